// Package service wires the scheduler, countdown, reconciler and adapters
// into the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/adapters/mq/queue"
	"github.com/okian/feedbackd/internal/adapters/mq/worker"
	"github.com/okian/feedbackd/internal/adapters/notify"
	"github.com/okian/feedbackd/internal/adapters/portal"
	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/internal/config"
	"github.com/okian/feedbackd/internal/countdown"
	"github.com/okian/feedbackd/internal/domain/ledger"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/internal/domain/window"
	"github.com/okian/feedbackd/internal/reconcile"
	"github.com/okian/feedbackd/internal/scheduler"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

// Portal is everything the service needs from the feedback portal.
type Portal interface {
	portal.MeetingSource
	reconcile.Remote
	Questions(ctx context.Context, id model.MeetingID) ([]model.Question, error)
}

// Service implements the API dependencies for the feedback section.
type Service struct {
	mu sync.RWMutex

	cfg   *config.Config
	clock clockwork.Clock
	loc   *time.Location

	// Core components
	store      store.Store
	portal     Portal
	source     portal.MeetingSource
	presenter  *countdown.Presenter
	reveals    *countdown.RevealLedger
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler
	hub        *notify.Hub
	nats       *notify.NATSPublisher
	natsConn   notify.Conn
	events     *worker.Dispatcher
	pub        notify.Publisher

	// State
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	feedMu    sync.Mutex
	lastFeed  time.Time
	feedError error

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the configuration. Defaults apply otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithClock sets the clock shared by every component.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithStore sets the persistence adapter instead of opening the configured one.
func WithStore(st store.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithPortal sets the portal instead of the configured HTTP client.
func WithPortal(p Portal) Option {
	return func(s *Service) {
		if p != nil {
			s.portal = p
		}
	}
}

// WithMeetingSource replaces the meeting feed.
func WithMeetingSource(src portal.MeetingSource) Option {
	return func(s *Service) {
		if src != nil {
			s.source = src
		}
	}
}

// WithNATSConn publishes events on an existing connection instead of dialing nats.url.
func WithNATSConn(conn notify.Conn) Option {
	return func(s *Service) {
		if conn != nil {
			s.natsConn = conn
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		cfg:   config.New(),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the components and starts the poll, refresh and feed loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	cfg := s.cfg
	s.logger.Info(ctx, "starting feedback service...")

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	s.loc = loc

	if s.store == nil {
		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStart, err)
		}
		s.store = st
	}
	if s.portal == nil {
		client, err := portal.New(cfg.Portal.BaseURL,
			portal.WithToken(cfg.Portal.Token),
			portal.WithUser(cfg.UserID, cfg.DepartmentID),
			portal.WithTimeout(cfg.RequestTimeout),
			portal.WithLogger(s.logger.Named("portal")),
		)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStart, err)
		}
		s.portal = client
	}
	if s.source == nil {
		s.source = s.portal
		if cfg.Portal.ICalURL != "" {
			s.source = portal.NewCalendar(cfg.Portal.ICalURL,
				portal.WithCalendarToken(cfg.Portal.Token),
				portal.WithCalendarLocation(loc),
				portal.WithCalendarTimeout(cfg.RequestTimeout),
				portal.WithCalendarLogger(s.logger.Named("calendar")),
			)
		}
	}

	s.hub = notify.NewHub(notify.HubConfig{CheckOrigin: originChecker(cfg.CORS.AllowedOrigins)}, s.logger.Named("hub"))
	fanout := notify.Fanout{s.hub}
	switch {
	case s.natsConn != nil:
		s.nats = notify.NewNATSPublisherWithConn(s.natsConn, cfg.NATS.SubjectPrefix, s.logger.Named("nats"))
	case cfg.NATS.URL != "":
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		p, err := notify.NewNATSPublisher(natsCfg, s.logger.Named("nats"))
		if err != nil {
			s.logger.Warn(ctx, "NATS unavailable, events stay local", logger.Error(err))
		} else {
			s.nats = p
		}
	}
	if s.nats != nil {
		fanout = append(fanout, s.nats)
	}
	s.events = worker.NewDispatcher(
		queue.NewInMemoryQueue(queue.WithCapacity(cfg.EventQueueSize), queue.WithNow(s.clock.Now)),
		fanout,
		worker.WithLogger(s.logger.Named("dispatcher")),
	)
	s.events.Start(context.WithoutCancel(ctx))
	s.pub = s.events

	s.presenter = countdown.New(
		countdown.WithClock(s.clock),
		countdown.WithSteps(cfg.Countdown.Steps),
		countdown.WithStepDuration(cfg.StepDuration()),
		countdown.WithFramesPerStep(cfg.Countdown.FramesPerStep),
		countdown.WithLogger(s.logger.Named("countdown")),
	)
	s.reveals = countdown.NewRevealLedger(ctx, s.store, s.logger.Named("reveal"))
	s.scheduler = scheduler.New(
		scheduler.WithClock(s.clock),
		scheduler.WithWindow(window.Window{Lead: cfg.LeadTime(), Grace: cfg.Grace()}),
		scheduler.WithStore(s.store),
		scheduler.WithPresenter(s.presenter),
		scheduler.WithRevealLedger(s.reveals),
		scheduler.WithPublisher(s.pub),
		scheduler.WithPollIntervals(cfg.PollIntervalFocused, cfg.PollIntervalIdle),
		scheduler.WithLogger(s.logger.Named("scheduler")),
	)
	s.reconciler = reconcile.New(ctx, s.portal,
		reconcile.WithStore(s.store),
		reconcile.WithLedger(ledger.NewInMemory()),
		reconcile.WithClock(s.clock),
		reconcile.WithRequestTimeout(cfg.RequestTimeout),
		reconcile.WithPollInterval(cfg.RespondedPollInterval),
		reconcile.WithPublisher(s.pub),
		reconcile.WithLogger(s.logger.Named("reconcile")),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		_ = s.scheduler.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		_ = s.reconciler.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.feedLoop(runCtx)
	}()

	s.started = true
	s.logger.Info(ctx, "feedback service started",
		logger.String("store", cfg.Store.Driver),
		logger.String("timezone", loc.String()),
		logger.Bool("nats", s.nats != nil),
	)
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping feedback service...")

	s.cancel()
	s.wg.Wait()
	s.scheduler.Close()
	s.reconciler.Close()
	if err := s.events.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "events left undelivered", logger.Error(err))
	}
	s.hub.Close()
	if s.nats != nil {
		if err := s.nats.Close(); err != nil {
			s.logger.Warn(ctx, "failed to drain NATS", logger.Error(err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "failed to close store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "feedback service stopped")
}

func (s *Service) feedLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.FeedRefreshInterval)
	defer ticker.Stop()
	for {
		_ = s.RefreshFeed(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// RefreshFeed pulls the meeting feed, normalizes it and hands it to the
// scheduler. Meetings with an unparseable schedule are logged and skipped.
// A failed fetch keeps the previous feed. It must not take s.mu: Stop holds
// it while waiting for the feed loop.
func (s *Service) RefreshFeed(ctx context.Context) error {
	if s.scheduler == nil {
		return ErrNotStarted
	}
	raw, err := s.source.Meetings(ctx)
	if err != nil {
		s.setFeedResult(err)
		s.logger.Warn(ctx, "meeting feed unavailable", logger.Error(err))
		return err
	}
	refs := make([]model.MeetingRef, 0, len(raw))
	for _, r := range raw {
		ref, err := window.NormalizeMeeting(r, s.loc)
		if err != nil {
			metrics.RecordInvalidSchedule()
			s.logger.Warn(ctx, "skipping meeting with invalid schedule",
				logger.Int64("meeting_id", int64(r.ID)), logger.Error(err))
			continue
		}
		refs = append(refs, ref)
	}
	s.scheduler.Refresh(ctx, refs)
	s.setFeedResult(nil)
	s.logger.Debug(ctx, "meeting feed refreshed", logger.Int("meetings", len(refs)))
	return nil
}

func (s *Service) setFeedResult(err error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	s.feedError = err
	if err == nil {
		s.lastFeed = s.clock.Now()
	}
}

// running returns ErrNotStarted before Start and after Stop.
func (s *Service) running() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Next returns the scheduler status.
func (s *Service) Next(_ context.Context) scheduler.Status {
	if s.running() != nil {
		return scheduler.Status{}
	}
	return s.scheduler.Snapshot()
}

// SetFocused switches the poll cadence when the feedback section opens or closes.
func (s *Service) SetFocused(ctx context.Context, open bool) {
	if s.running() != nil {
		return
	}
	s.logger.Debug(ctx, "feedback section focus", logger.Bool("open", open))
	s.scheduler.SetFocused(open)
}

// Questions returns the questions of id once its window is open.
func (s *Service) Questions(ctx context.Context, id model.MeetingID) ([]model.Question, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	if err := s.scheduler.WindowOpen(id); err != nil {
		return nil, fmt.Errorf("meeting %d: %w", id, err)
	}
	qs, err := s.portal.Questions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("questions of meeting %d: %w", id, err)
	}
	return qs, nil
}

// SubmitFeedback validates answers, optionally plays the submit countdown,
// and then submits. A cancelled countdown submits nothing.
func (s *Service) SubmitFeedback(ctx context.Context, id model.MeetingID, answers []model.Answer, withCountdown bool) ([]model.SubmissionRecord, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	if err := s.reconciler.Validate(answers); err != nil {
		metrics.RecordSubmission("incomplete")
		return nil, err
	}
	if withCountdown {
		err := s.presenter.Run(ctx, 0, func(f countdown.Frame) {
			s.pub.Publish(ctx, model.Event{
				Type: model.EventCountdownStep, MeetingID: id, Purpose: model.PurposeSubmit,
				Step: f.Step, Progress: f.Progress, Cue: f.Cue, At: s.clock.Now(),
			})
		})
		if err != nil {
			metrics.RecordCountdown(model.PurposeSubmit, "cancelled")
			return nil, fmt.Errorf("submit countdown: %w", err)
		}
		metrics.RecordCountdown(model.PurposeSubmit, "completed")
	}
	return s.reconciler.Submit(ctx, id, answers)
}

// Responded returns the merged responded set.
func (s *Service) Responded(_ context.Context) model.RespondedSet {
	if s.running() != nil {
		return model.RespondedSet{}
	}
	return s.reconciler.Responded()
}

// Logout clears the responded set, the reveal flags and the persisted timer.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.running(); err != nil {
		return err
	}
	err := errors.Join(
		s.reconciler.Clear(ctx),
		s.reveals.Clear(ctx),
		store.ClearTimer(ctx, s.store),
	)
	s.logger.Info(ctx, "local feedback state cleared")
	return err
}

// ServeWS attaches a dashboard to the event stream.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) error {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	if hub == nil {
		http.Error(w, ErrNotStarted.Error(), http.StatusServiceUnavailable)
		return ErrNotStarted
	}
	return hub.ServeWS(w, r)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started": s.started,
		"store":   s.cfg.Store.Driver,
	}
	if !s.started {
		return stats
	}
	stats["scheduler"] = s.scheduler.Stats()
	stats["reconciler"] = s.reconciler.Stats()
	stats["events"] = s.events.Stats()
	stats["streamClients"] = s.hub.Clients()
	stats["nats"] = s.nats != nil

	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if !s.lastFeed.IsZero() {
		stats["lastFeed"] = s.lastFeed
	}
	if s.feedError != nil {
		stats["feedError"] = s.feedError.Error()
	}
	return stats
}

// originChecker accepts same-host requests, requests without an Origin, and
// the configured dashboard origins. An empty list accepts any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
