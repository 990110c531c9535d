package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/okian/feedbackd/internal/domain/model"
)

// FeedbackDependencies submits answers.
type FeedbackDependencies interface {
	SubmitFeedback(ctx context.Context, id model.MeetingID, answers []model.Answer, countdown bool) ([]model.SubmissionRecord, error)
}

// FeedbackHandler handles feedback submissions.
type FeedbackHandler struct {
	deps FeedbackDependencies
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(deps FeedbackDependencies) *FeedbackHandler {
	return &FeedbackHandler{deps: deps}
}

// feedbackRequest mirrors the OpenAPI schema for POST /feedback.
type feedbackRequest struct {
	MeetingID model.MeetingID `json:"meetingId"`
	Answers   []model.Answer  `json:"answers"`
	Countdown bool            `json:"countdown"`
}

func (f feedbackRequest) validate() error {
	if f.MeetingID <= 0 {
		return fmt.Errorf("%w: missing meetingId", ErrBadRequest)
	}
	return nil
}

type feedbackResponse struct {
	Status    string                   `json:"status"`
	MeetingID model.MeetingID          `json:"meetingId"`
	Records   []model.SubmissionRecord `json:"records"`
}

// HandleFeedback handles POST /feedback requests.
func (h *FeedbackHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	records, err := h.deps.SubmitFeedback(r.Context(), req.MeetingID, req.Answers, req.Countdown)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []model.SubmissionRecord{}
	}
	writeJSON(w, http.StatusOK, feedbackResponse{Status: "submitted", MeetingID: req.MeetingID, Records: records})
}
