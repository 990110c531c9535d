package api

import (
	"net/http"

	"github.com/okian/feedbackd/pkg/logger"
)

// StreamHandler upgrades dashboards to the event stream.
type StreamHandler struct {
	stream Streamer
	log    logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(stream Streamer) *StreamHandler {
	return &StreamHandler{stream: stream, log: logger.Get().Named("api")}
}

// HandleStream handles GET /ws requests.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	if err := h.stream.ServeWS(w, r); err != nil {
		h.log.Debug(r.Context(), "stream upgrade failed", logger.Error(err))
	}
}
