package api

import (
	"context"
	"net/http"

	"github.com/okian/feedbackd/internal/scheduler"
)

// NextDependencies exposes the scheduler view.
type NextDependencies interface {
	Next(ctx context.Context) scheduler.Status
}

// NextHandler handles next meeting requests.
type NextHandler struct {
	deps NextDependencies
}

// NewNextHandler creates a new next meeting handler.
func NewNextHandler(deps NextDependencies) *NextHandler {
	return &NextHandler{deps: deps}
}

// HandleNext handles GET /next requests.
func (h *NextHandler) HandleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Next(r.Context()))
}
