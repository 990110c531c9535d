// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/cors"

	"github.com/okian/feedbackd/internal/adapters/portal"
	service "github.com/okian/feedbackd/internal/app"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/internal/reconcile"
	"github.com/okian/feedbackd/internal/scheduler"
)

// Dependencies required by HTTP handlers. Each handler only sees the
// subset it needs.
type Dependencies interface {
	StatsProvider
	NextDependencies
	FocusDependencies
	QuestionsDependencies
	FeedbackDependencies
	RespondedDependencies
}

// Streamer upgrades a request to an event stream.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request) error
}

// Server wires HTTP routes for the feedback API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	nextHandler      *NextHandler
	focusHandler     *FocusHandler
	questionsHandler *QuestionsHandler
	feedbackHandler  *FeedbackHandler
	respondedHandler *RespondedHandler
	streamHandler    *StreamHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, stream Streamer) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(deps),
		nextHandler:      NewNextHandler(deps),
		focusHandler:     NewFocusHandler(deps),
		questionsHandler: NewQuestionsHandler(deps),
		feedbackHandler:  NewFeedbackHandler(deps),
		respondedHandler: NewRespondedHandler(deps),
		streamHandler:    NewStreamHandler(stream),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/next", MetricsMiddleware(s.nextHandler.HandleNext, "next"))
	mux.HandleFunc("/focus", MetricsMiddleware(s.focusHandler.HandleFocus, "focus"))
	mux.HandleFunc("/meetings/{id}/questions", MetricsMiddleware(s.questionsHandler.HandleQuestions, "questions"))
	mux.HandleFunc("/feedback", MetricsMiddleware(s.feedbackHandler.HandleFeedback, "feedback"))
	mux.HandleFunc("/responded", MetricsMiddleware(s.respondedHandler.HandleResponded, "responded"))
	mux.HandleFunc("/logout", MetricsMiddleware(s.respondedHandler.HandleLogout, "logout"))
	mux.HandleFunc("/ws", s.streamHandler.HandleStream)
}

// WithCORS wraps h with CORS handling for the given dashboard origins.
// An empty list allows any origin.
func WithCORS(h http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins:   allowedOrigins,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: allowedOrigins[0] != "*",
	})
	return c.Handler(h)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submitErrorResponse struct {
	errorResponse
	MeetingID model.MeetingID `json:"meetingId"`
	Succeeded []string        `json:"succeeded"`
	Failed    []string        `json:"failed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Errorf("%w: %s", ErrMethodNotAllowed, r.Method))
}

// statusClientClosedRequest reports a request abandoned by its caller.
const statusClientClosedRequest = 499

// writeDomainError translates domain errors to HTTP responses.
func writeDomainError(w http.ResponseWriter, err error) {
	var serr *reconcile.SubmitError
	switch {
	case errors.As(err, &serr):
		writeJSON(w, http.StatusBadGateway, submitErrorResponse{
			errorResponse: errorResponse{Code: "submit_failed", Message: err.Error()},
			MeetingID:     serr.MeetingID,
			Succeeded:     nonNil(serr.Succeeded),
			Failed:        nonNil(serr.Failed),
		})
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, reconcile.ErrIncompleteAnswers):
		writeError(w, http.StatusUnprocessableEntity, "incomplete_answers", err)
	case errors.Is(err, reconcile.ErrSubmitInFlight):
		writeError(w, http.StatusConflict, "submit_in_flight", err)
	case errors.Is(err, reconcile.ErrAlreadyResponded):
		writeError(w, http.StatusConflict, "already_responded", err)
	case errors.Is(err, scheduler.ErrWindowClosed):
		writeError(w, http.StatusConflict, "window_closed", err)
	case errors.Is(err, scheduler.ErrUnknownMeeting):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, portal.ErrUnexpectedStatus), errors.Is(err, portal.ErrDecode),
		errors.Is(err, portal.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusBadGateway, "upstream_error", err)
	case errors.Is(err, context.Canceled):
		writeError(w, statusClientClosedRequest, "cancelled", err)
	case errors.Is(err, reconcile.ErrClosed), errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
