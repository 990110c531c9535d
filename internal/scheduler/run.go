package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/countdown"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/internal/domain/window"
	"github.com/okian/feedbackd/pkg/logger"
)

// Run is the poll loop. It ticks immediately, then every focused or idle
// interval, and right away when focus changes. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info(ctx, "poll loop started",
		logger.Duration("focused_interval", s.focusedInterval), logger.Duration("idle_interval", s.idleInterval))
	s.Tick(ctx)

	timer := s.clock.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "poll loop stopped")
			return nil
		case <-timer.Chan():
			s.Tick(ctx)
			timer.Reset(s.interval())
		case <-s.wakeCh:
			stopAndDrainTimer(timer)
			s.Tick(ctx)
			timer.Reset(s.interval())
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	if s.focused.Load() {
		return s.focusedInterval
	}
	return s.idleInterval
}

// SetFocused switches the poll cadence. Opening the feedback section triggers an immediate tick.
func (s *Scheduler) SetFocused(focused bool) {
	if s.focused.Swap(focused) == focused {
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Meeting          *model.MeetingRef       `json:"meeting,omitempty"`
	Phase            window.Phase            `json:"phase,omitempty"`
	QuestionsVisible bool                    `json:"questionsVisible"`
	Revealed         bool                    `json:"revealed"`
	Countdown        *countdown.Frame        `json:"countdown,omitempty"`
	WakeAt           *time.Time              `json:"wakeAt,omitempty"`
	Timer            *model.NextMeetingTimer `json:"nextMeetingTimer,omitempty"`
	Focused          bool                    `json:"focused"`
	LastTick         *time.Time              `json:"lastTick,omitempty"`
}

// Snapshot returns the current status.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Focused: s.focused.Load(), Phase: s.phase, QuestionsVisible: s.phase.QuestionsVisible()}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTick = &t
	}
	if s.tracked == nil {
		return st
	}
	m := *s.tracked
	st.Meeting = &m
	revealing := s.reveal != nil && s.reveal.meetingID == m.ID
	st.Revealed = !revealing && s.reveals.Revealed(m.ID)
	timer := model.NewNextMeetingTimer(m, s.clock.Now())
	st.Timer = &timer
	if h, ok := s.handles[m.ID]; ok && !h.Cancelled() {
		w := h.WakeAt
		st.WakeAt = &w
	}
	if revealing {
		f := s.frame
		st.Countdown = &f
	}
	return st
}

// LiveHandles returns the number of armed wakeups.
func (s *Scheduler) LiveHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.Cancelled() {
			n++
		}
	}
	return n
}

// Handle returns the live wakeup of id, if any.
func (s *Scheduler) Handle(id model.MeetingID) (*ScheduleHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok && !h.Cancelled()
}

// Meeting returns a meeting from the last feed.
func (s *Scheduler) Meeting(id model.MeetingID) (model.MeetingRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.known[id]
	return m, ok
}

// WindowOpen reports whether questions of id may be shown now. It evaluates
// the meeting directly so the poll cadence never delays an open window.
func (s *Scheduler) WindowOpen(id model.MeetingID) error {
	m, ok := s.Meeting(id)
	if !ok {
		return ErrUnknownMeeting
	}
	if !s.window.Evaluate(s.clock.Now(), m).QuestionsVisible() {
		return ErrWindowClosed
	}
	return nil
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]interface{} {
	st := s.Snapshot()
	stats := map[string]interface{}{
		"instance":     s.instanceID,
		"phase":        string(st.Phase),
		"focused":      st.Focused,
		"live_handles": s.LiveHandles(),
	}
	if st.Meeting != nil {
		stats["meeting_id"] = int64(st.Meeting.ID)
	}
	return stats
}
