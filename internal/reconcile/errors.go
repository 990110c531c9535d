package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/okian/feedbackd/internal/domain/model"
)

// Sentinel errors of the submission reconciler.
var (
	ErrIncompleteAnswers    = errors.New("incomplete answers")
	ErrSubmit               = errors.New("submit failed")
	ErrSubmitInFlight       = errors.New("submit already in flight")
	ErrAlreadyResponded     = errors.New("feedback already given")
	ErrReconcileUnavailable = errors.New("responded meetings unavailable")
	ErrClosed               = errors.New("reconciler closed")
)

// SubmitError reports a partially failed submit. Succeeded lists every
// question the portal has accepted for the meeting so far, including earlier attempts.
type SubmitError struct {
	MeetingID model.MeetingID
	Succeeded []string
	Failed    []string
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit meeting %d: questions [%s] failed: %v",
		e.MeetingID, strings.Join(e.Failed, ", "), e.Err)
}

// Unwrap exposes ErrSubmit and the underlying call errors.
func (e *SubmitError) Unwrap() []error {
	return []error{ErrSubmit, e.Err}
}
