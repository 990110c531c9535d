package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/okian/feedbackd/internal/domain/model"
)

// QuestionsDependencies fetches questions of an open window.
type QuestionsDependencies interface {
	Questions(ctx context.Context, id model.MeetingID) ([]model.Question, error)
}

// QuestionsHandler handles question requests.
type QuestionsHandler struct {
	deps QuestionsDependencies
}

// NewQuestionsHandler creates a new questions handler.
func NewQuestionsHandler(deps QuestionsDependencies) *QuestionsHandler {
	return &QuestionsHandler{deps: deps}
}

// HandleQuestions handles GET /meetings/{id}/questions requests.
func (h *QuestionsHandler) HandleQuestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, err := model.ParseMeetingID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	qs, err := h.deps.Questions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if qs == nil {
		qs = []model.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}
