package scheduler

import "errors"

// Sentinel errors returned by the scheduler.
var (
	ErrUnknownMeeting = errors.New("meeting not in the current feed")
	ErrWindowClosed   = errors.New("feedback window is not open")
)
