package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// FocusDependencies switches the poll cadence.
type FocusDependencies interface {
	SetFocused(ctx context.Context, open bool)
}

// FocusHandler handles focus requests.
type FocusHandler struct {
	deps FocusDependencies
}

// NewFocusHandler creates a new focus handler.
func NewFocusHandler(deps FocusDependencies) *FocusHandler {
	return &FocusHandler{deps: deps}
}

type focusRequest struct {
	Open *bool `json:"open"`
}

type focusResponse struct {
	Focused bool `json:"focused"`
}

// HandleFocus handles POST /focus requests sent when the feedback section opens or closes.
func (h *FocusHandler) HandleFocus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req focusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if req.Open == nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: missing open", ErrBadRequest))
		return
	}
	h.deps.SetFocused(r.Context(), *req.Open)
	writeJSON(w, http.StatusOK, focusResponse{Focused: *req.Open})
}
