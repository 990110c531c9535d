package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/domain/model"
)

// ScheduleHandle is the one-shot wakeup armed for a Far meeting at the moment
// it enters the feedback window.
type ScheduleHandle struct {
	MeetingID model.MeetingID
	WakeAt    time.Time

	timer     clockwork.Timer
	once      sync.Once
	cancelled atomic.Bool
}

// Cancel stops the wakeup. It is safe to call more than once.
func (h *ScheduleHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancelled.Store(true)
		if h.timer != nil {
			h.timer.Stop()
		}
	})
}

// Cancelled reports whether Cancel was called.
func (h *ScheduleHandle) Cancelled() bool {
	return h != nil && h.cancelled.Load()
}
