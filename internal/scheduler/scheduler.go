// Package scheduler tracks the next meeting and decides when its feedback
// questions become visible. A one-shot wakeup fires when the meeting enters
// the feedback window and a periodic poll corrects for missed timers.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/internal/countdown"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/internal/domain/window"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

const (
	defaultFocusedInterval = 10 * time.Second
	defaultIdleInterval    = 60 * time.Second
)

// Publisher receives scheduler events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.Event) {}

// Scheduler owns the handle table and the poll loop.
type Scheduler struct {
	clock           clockwork.Clock
	window          window.Window
	store           store.Store
	presenter       *countdown.Presenter
	reveals         *countdown.RevealLedger
	pub             Publisher
	log             logger.Logger
	focusedInterval time.Duration
	idleInterval    time.Duration
	instanceID      string

	mu       sync.Mutex
	handles  map[model.MeetingID]*ScheduleHandle
	known    map[model.MeetingID]model.MeetingRef
	tracked  *model.MeetingRef
	phase    window.Phase
	reveal   *revealRun
	frame    countdown.Frame
	lastTick time.Time

	focused atomic.Bool
	ticking atomic.Bool
	wakeCh  chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// revealRun is the reveal countdown of one meeting.
type revealRun struct {
	meetingID model.MeetingID
	cancel    context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock for wakeups and polling.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithWindow sets the feedback window bounds.
func WithWindow(w window.Window) Option {
	return func(s *Scheduler) {
		if w.Lead > 0 && w.Grace > 0 {
			s.window = w
		}
	}
}

// WithStore sets the persistence adapter for the next-meeting timer.
func WithStore(st store.Store) Option {
	return func(s *Scheduler) {
		if st != nil {
			s.store = st
		}
	}
}

// WithPresenter sets the presenter used for the reveal countdown.
func WithPresenter(p *countdown.Presenter) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.presenter = p
		}
	}
}

// WithRevealLedger sets the ledger of completed reveals.
func WithRevealLedger(r *countdown.RevealLedger) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reveals = r
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithPollIntervals sets the poll cadence while the feedback section is open and otherwise.
func WithPollIntervals(focused, idle time.Duration) Option {
	return func(s *Scheduler) {
		if focused > 0 {
			s.focusedInterval = focused
		}
		if idle > 0 {
			s.idleInterval = idle
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Scheduler. Missing collaborators default to in-memory ones.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:           clockwork.NewRealClock(),
		window:          window.DefaultWindow,
		pub:             nopPublisher{},
		focusedInterval: defaultFocusedInterval,
		idleInterval:    defaultIdleInterval,
		instanceID:      uuid.New().String()[:8],
		handles:         make(map[model.MeetingID]*ScheduleHandle),
		known:           make(map[model.MeetingID]model.MeetingRef),
		wakeCh:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("scheduler")
	}
	s.log = s.log.With(logger.String("instance", s.instanceID))
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.presenter == nil {
		s.presenter = countdown.New(countdown.WithClock(s.clock))
	}
	if s.reveals == nil {
		s.reveals = countdown.NewRevealLedger(context.Background(), s.store, s.log)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

// outcome collects side effects computed under the lock and applied after it.
type outcome struct {
	events     []model.Event
	timer      *model.NextMeetingTimer
	clearTimer bool
}

func (s *Scheduler) apply(ctx context.Context, out outcome) {
	if out.clearTimer {
		if err := store.ClearTimer(ctx, s.store); err != nil {
			s.log.Warn(ctx, "failed to clear next meeting timer", logger.Error(err))
		}
	}
	if out.timer != nil {
		if err := store.SaveTimer(ctx, s.store, *out.timer); err != nil {
			s.log.Warn(ctx, "failed to persist next meeting timer", logger.Error(err))
		}
	}
	for _, ev := range out.events {
		s.pub.Publish(ctx, ev)
	}
}

// Track makes m the tracked meeting and evaluates it immediately. A meeting
// that is still Far gets a one-shot wakeup, which is returned; otherwise the
// result is nil. Tracking again cancels the previous wakeup first, and tracking
// a different meeting untracks the current one.
func (s *Scheduler) Track(ctx context.Context, m model.MeetingRef) *ScheduleHandle {
	s.mu.Lock()
	var out outcome
	if s.tracked != nil && s.tracked.ID != m.ID {
		s.untrackLocked(s.tracked.ID, &out)
	}
	if h, ok := s.handles[m.ID]; ok {
		h.Cancel()
		delete(s.handles, m.ID)
	}
	s.known[m.ID] = m
	s.tracked = &m
	s.evaluateLocked(s.clock.Now(), &out)
	h := s.handles[m.ID]
	s.mu.Unlock()

	s.log.Debug(ctx, "meeting tracked", logger.Int64("meeting_id", int64(m.ID)), logger.Time("start", m.StartDateTime))
	s.apply(ctx, out)
	return h
}

// Untrack cancels the wakeup and any reveal of id and drops it from polling.
func (s *Scheduler) Untrack(ctx context.Context, id model.MeetingID) {
	s.mu.Lock()
	var out outcome
	s.untrackLocked(id, &out)
	s.mu.Unlock()
	s.apply(ctx, out)
}

func (s *Scheduler) untrackLocked(id model.MeetingID, out *outcome) {
	if h, ok := s.handles[id]; ok {
		h.Cancel()
		delete(s.handles, id)
	}
	s.cancelRevealLocked(id)
	if s.tracked != nil && s.tracked.ID == id {
		s.tracked = nil
		s.phase = ""
		out.clearTimer = true
	}
	metrics.UpdateTrackedMeetings(len(s.handles))
}

// Refresh replaces the known meetings and tracks the next one by the selection rule.
func (s *Scheduler) Refresh(ctx context.Context, meetings []model.MeetingRef) {
	s.mu.Lock()
	now := s.clock.Now()
	s.known = make(map[model.MeetingID]model.MeetingRef, len(meetings))
	for _, m := range meetings {
		s.known[m.ID] = m
	}
	next, ok := SelectNext(now, s.window, meetings)

	var out outcome
	switch {
	case !ok:
		if s.tracked != nil {
			s.untrackLocked(s.tracked.ID, &out)
		}
		out.clearTimer = true
	default:
		if s.tracked != nil && s.tracked.ID != next.ID {
			s.log.Info(ctx, "next meeting changed",
				logger.Int64("from", int64(s.tracked.ID)), logger.Int64("to", int64(next.ID)))
			s.untrackLocked(s.tracked.ID, &out)
		}
		s.tracked = &next
		s.evaluateLocked(now, &out)
	}
	s.mu.Unlock()
	s.apply(ctx, out)
}

// Tick re-evaluates the tracked meeting. A tick arriving while another one is
// running is ignored.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		metrics.RecordPollTickSkipped()
		return
	}
	defer s.ticking.Store(false)
	metrics.RecordPollTick()

	s.mu.Lock()
	var out outcome
	now := s.clock.Now()
	s.lastTick = now
	s.evaluateLocked(now, &out)
	s.mu.Unlock()
	s.apply(ctx, out)
}

// evaluateLocked classifies the tracked meeting and arms, cancels or reveals accordingly.
func (s *Scheduler) evaluateLocked(now time.Time, out *outcome) {
	if s.tracked == nil {
		return
	}
	m := *s.tracked
	timer := model.NewNextMeetingTimer(m, now)
	out.timer = &timer

	next := s.window.Evaluate(now, m)
	switch next {
	case window.Far:
		s.cancelRevealLocked(m.ID)
		s.armLocked(m, now)
	case window.Active:
		s.disarmLocked(m.ID)
		switch {
		case s.reveal != nil && s.reveal.meetingID == m.ID:
			next = window.Imminent
		case !s.reveals.Revealed(m.ID):
			s.startRevealLocked(m.ID)
			next = window.Imminent
		}
	case window.Expired:
		s.disarmLocked(m.ID)
		s.cancelRevealLocked(m.ID)
	}
	s.setPhaseLocked(m.ID, next, now, out)
}

func (s *Scheduler) setPhaseLocked(id model.MeetingID, p window.Phase, now time.Time, out *outcome) {
	if s.phase == p {
		return
	}
	s.phase = p
	metrics.RecordPhaseTransition(string(p))
	out.events = append(out.events, model.Event{
		Type: model.EventPhaseChanged, MeetingID: id, Phase: string(p), At: now,
	})
}

// armLocked keeps exactly one live wakeup for m at its window opening.
func (s *Scheduler) armLocked(m model.MeetingRef, now time.Time) {
	wakeAt := s.window.WakeAt(m)
	if h, ok := s.handles[m.ID]; ok {
		if !h.Cancelled() && h.WakeAt.Equal(wakeAt) {
			return
		}
		h.Cancel()
		delete(s.handles, m.ID)
	}
	h := &ScheduleHandle{MeetingID: m.ID, WakeAt: wakeAt}
	h.timer = s.clock.AfterFunc(wakeAt.Sub(now), func() { s.onWake(h) })
	s.handles[m.ID] = h
	metrics.UpdateTrackedMeetings(len(s.handles))
}

func (s *Scheduler) disarmLocked(id model.MeetingID) {
	if h, ok := s.handles[id]; ok {
		h.Cancel()
		delete(s.handles, id)
		metrics.UpdateTrackedMeetings(len(s.handles))
	}
}

// onWake runs when a one-shot wakeup fires. Stale or cancelled handles are ignored.
func (s *Scheduler) onWake(h *ScheduleHandle) {
	s.mu.Lock()
	if h.Cancelled() || s.handles[h.MeetingID] != h || s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	delete(s.handles, h.MeetingID)
	metrics.RecordWakeupFired()
	var out outcome
	s.evaluateLocked(s.clock.Now(), &out)
	s.mu.Unlock()

	s.log.Debug(s.baseCtx, "wakeup fired", logger.Int64("meeting_id", int64(h.MeetingID)))
	s.apply(s.baseCtx, out)
}

// cancelRevealLocked stops the reveal countdown of id, if one is running.
func (s *Scheduler) cancelRevealLocked(id model.MeetingID) {
	if s.reveal != nil && s.reveal.meetingID == id {
		s.reveal.cancel()
		s.reveal = nil
		s.frame = countdown.Frame{}
	}
}

func (s *Scheduler) startRevealLocked(id model.MeetingID) {
	if s.baseCtx.Err() != nil {
		return
	}
	if s.reveal != nil {
		s.reveal.cancel()
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &revealRun{meetingID: id, cancel: cancel}
	s.reveal = run
	s.wg.Add(1)
	go s.runReveal(ctx, run)
}

func (s *Scheduler) runReveal(ctx context.Context, run *revealRun) {
	defer s.wg.Done()
	defer run.cancel()

	err := s.presenter.Run(ctx, 0, func(f countdown.Frame) {
		s.mu.Lock()
		current := s.reveal == run
		if current {
			s.frame = f
		}
		s.mu.Unlock()
		if !current {
			return
		}
		s.pub.Publish(ctx, model.Event{
			Type: model.EventCountdownStep, MeetingID: run.meetingID, Purpose: model.PurposeReveal,
			Step: f.Step, Progress: f.Progress, Cue: f.Cue, At: s.clock.Now(),
		})
	})
	if err != nil {
		metrics.RecordCountdown(model.PurposeReveal, "cancelled")
		return
	}

	s.mu.Lock()
	current := s.reveal == run
	s.mu.Unlock()
	if !current {
		metrics.RecordCountdown(model.PurposeReveal, "cancelled")
		return
	}

	// The run stays current while the ledger is written, so ticks meanwhile
	// do not start a second reveal.
	if err := s.reveals.Mark(s.baseCtx, run.meetingID); err != nil {
		s.log.Warn(ctx, "failed to persist revealed meeting", logger.Int64("meeting_id", int64(run.meetingID)), logger.Error(err))
	}

	s.mu.Lock()
	if s.reveal != run {
		s.mu.Unlock()
		if err := s.reveals.Unmark(s.baseCtx, run.meetingID); err != nil {
			s.log.Warn(ctx, "failed to roll back revealed meeting", logger.Int64("meeting_id", int64(run.meetingID)), logger.Error(err))
		}
		metrics.RecordCountdown(model.PurposeReveal, "cancelled")
		return
	}
	s.reveal = nil
	s.frame = countdown.Frame{}
	now := s.clock.Now()
	out := outcome{events: []model.Event{{Type: model.EventQuestionsRevealed, MeetingID: run.meetingID, At: now}}}
	if s.tracked != nil && s.tracked.ID == run.meetingID {
		s.setPhaseLocked(run.meetingID, window.Active, now, &out)
	}
	s.mu.Unlock()

	metrics.RecordCountdown(model.PurposeReveal, "completed")
	s.log.Info(s.baseCtx, "questions revealed", logger.Int64("meeting_id", int64(run.meetingID)))
	s.apply(s.baseCtx, out)
}

// Close cancels every wakeup and reveal and waits for reveal goroutines to exit.
func (s *Scheduler) Close() {
	s.baseCancel()
	s.mu.Lock()
	for id, h := range s.handles {
		h.Cancel()
		delete(s.handles, id)
	}
	if s.reveal != nil {
		s.reveal.cancel()
		s.reveal = nil
	}
	metrics.UpdateTrackedMeetings(0)
	s.mu.Unlock()
	s.wg.Wait()
}
