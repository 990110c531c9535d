package api

import (
	"context"
	"net/http"

	"github.com/okian/feedbackd/internal/domain/model"
)

// RespondedDependencies exposes the merged responded set and logout.
type RespondedDependencies interface {
	Responded(ctx context.Context) model.RespondedSet
	Logout(ctx context.Context) error
}

// RespondedHandler handles responded set and logout requests.
type RespondedHandler struct {
	deps RespondedDependencies
}

// NewRespondedHandler creates a new responded handler.
func NewRespondedHandler(deps RespondedDependencies) *RespondedHandler {
	return &RespondedHandler{deps: deps}
}

type respondedResponse struct {
	Meetings model.RespondedSet `json:"meetings"`
}

// HandleResponded handles GET /responded requests.
func (h *RespondedHandler) HandleResponded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, respondedResponse{Meetings: h.deps.Responded(r.Context())})
}

// HandleLogout handles POST /logout requests. All local state is cleared.
func (h *RespondedHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := h.deps.Logout(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
