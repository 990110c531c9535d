// Package reconcile submits feedback and keeps the set of meetings the user
// responded to, merging the optimistic local record with the portal's.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/internal/domain/ledger"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultPollInterval   = 30 * time.Second
)

// Remote is the portal side of submission and reconciliation.
type Remote interface {
	SubmitAnswer(ctx context.Context, meetingID model.MeetingID, answer model.Answer) error
	RespondedMeetings(ctx context.Context) ([]model.MeetingID, error)
}

// Publisher receives submission events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.Event) {}

// Reconcile merges a local and a remote responded set. It is idempotent and
// independent of argument order.
func Reconcile(local, remote model.RespondedSet) model.RespondedSet {
	return local.Union(remote)
}

// Reconciler owns the merged responded set.
type Reconciler struct {
	remote       Remote
	store        store.Store
	ledger       ledger.Ledger
	validate     *validator.Validate
	clock        clockwork.Clock
	timeout      time.Duration
	pollInterval time.Duration
	pub          Publisher
	log          logger.Logger

	mu         sync.Mutex
	set        model.RespondedSet
	submitting map[model.MeetingID]struct{}

	refreshing atomic.Bool
	generation atomic.Uint64
	closed     atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStore sets the persistence adapter.
func WithStore(s store.Store) Option {
	return func(r *Reconciler) {
		if s != nil {
			r.store = s
		}
	}
}

// WithLedger sets the ledger of accepted questions.
func WithLedger(l ledger.Ledger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.ledger = l
		}
	}
}

// WithClock sets the clock for timestamps and the refresh loop.
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRequestTimeout bounds every remote call.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPollInterval sets the cadence of Run.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option {
	return func(r *Reconciler) {
		if p != nil {
			r.pub = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a Reconciler and loads the persisted responded set.
// A corrupt persisted value starts from an empty set.
func New(ctx context.Context, remote Remote, opts ...Option) *Reconciler {
	r := &Reconciler{
		remote:       remote,
		validate:     validator.New(),
		clock:        clockwork.NewRealClock(),
		timeout:      defaultRequestTimeout,
		pollInterval: defaultPollInterval,
		pub:          nopPublisher{},
		submitting:   make(map[model.MeetingID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Get().Named("reconcile")
	}
	if r.store == nil {
		r.store = store.NewMemory()
	}
	if r.ledger == nil {
		r.ledger = ledger.NewInMemory()
	}
	set, err := store.LoadResponded(ctx, r.store)
	if err != nil {
		r.log.Warn(ctx, "persisted responded set unreadable, starting empty", logger.Error(err))
	}
	r.set = set
	metrics.UpdateRespondedSetSize(len(set))
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	return r
}

// Validate checks answers without contacting the portal.
func (r *Reconciler) Validate(answers []model.Answer) error {
	if len(answers) == 0 {
		return fmt.Errorf("%w: no answers", ErrIncompleteAnswers)
	}
	for _, a := range answers {
		if err := r.validate.Struct(a); err != nil {
			return fmt.Errorf("%w: question %q: %v", ErrIncompleteAnswers, a.QuestionID, err)
		}
	}
	return nil
}

// Submit sends one call per answer. Invalid answers fail before any call, and
// a meeting already in the responded set is refused with ErrAlreadyResponded.
// Questions accepted by an earlier attempt are not sent again. On partial
// failure a *SubmitError is returned and the meeting is not marked responded.
func (r *Reconciler) Submit(ctx context.Context, meetingID model.MeetingID, answers []model.Answer) ([]model.SubmissionRecord, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := r.Validate(answers); err != nil {
		metrics.RecordSubmission("incomplete")
		return nil, err
	}

	r.mu.Lock()
	if r.set.Has(meetingID) {
		r.mu.Unlock()
		metrics.RecordSubmission("duplicate")
		return nil, fmt.Errorf("meeting %d: %w", meetingID, ErrAlreadyResponded)
	}
	if _, busy := r.submitting[meetingID]; busy {
		r.mu.Unlock()
		metrics.RecordSubmission("in_flight")
		return nil, ErrSubmitInFlight
	}
	r.submitting[meetingID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.submitting, meetingID)
		r.mu.Unlock()
	}()

	var (
		records []model.SubmissionRecord
		failed  []string
		errs    []error
	)
	for _, a := range answers {
		// Record reserves the question; a failed call gives it back.
		if r.ledger.Record(ctx, meetingID, a.QuestionID) {
			metrics.RecordQuestionSent("skipped")
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.remote.SubmitAnswer(callCtx, meetingID, a)
		cancel()
		if err != nil {
			r.ledger.Unrecord(ctx, meetingID, a.QuestionID)
			metrics.RecordQuestionSent("error")
			failed = append(failed, a.QuestionID)
			errs = append(errs, fmt.Errorf("question %s: %w", a.QuestionID, err))
			continue
		}
		metrics.RecordQuestionSent("ok")
		records = append(records, model.SubmissionRecord{
			MeetingID:   meetingID,
			QuestionID:  a.QuestionID,
			Rating:      a.Rating,
			Notes:       a.Notes,
			SubmittedAt: r.clock.Now(),
		})
	}

	if len(failed) > 0 {
		metrics.RecordSubmission("partial")
		serr := &SubmitError{
			MeetingID: meetingID,
			Succeeded: r.ledger.Succeeded(meetingID),
			Failed:    failed,
			Err:       errors.Join(errs...),
		}
		r.log.Warn(ctx, "feedback partially submitted",
			logger.Int64("meeting_id", int64(meetingID)), logger.Int("failed", len(failed)), logger.Error(serr.Err))
		return records, serr
	}

	r.ledger.Forget(ctx, meetingID)
	r.markResponded(ctx, meetingID)
	metrics.RecordSubmission("ok")
	r.log.Info(ctx, "feedback submitted", logger.Int64("meeting_id", int64(meetingID)), logger.Int("questions", len(records)))
	r.pub.Publish(ctx, model.Event{Type: model.EventSubmitted, MeetingID: meetingID, At: r.clock.Now()})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Refresh(r.baseCtx); err != nil {
			r.log.Debug(r.baseCtx, "post-submit refresh failed", logger.Error(err))
		}
	}()
	return records, nil
}

func (r *Reconciler) markResponded(ctx context.Context, meetingID model.MeetingID) {
	r.mu.Lock()
	r.set = r.set.Add(meetingID)
	set := r.set
	r.mu.Unlock()
	r.persist(ctx, set)
}

func (r *Reconciler) persist(ctx context.Context, set model.RespondedSet) {
	metrics.UpdateRespondedSetSize(len(set))
	if err := store.SaveResponded(ctx, r.store, set); err != nil {
		r.log.Warn(ctx, "failed to persist responded set", logger.Error(err))
	}
}

// Refresh fetches the portal's responded meetings and merges them into the
// local set. If the portal is unreachable the current set is kept and the
// returned error wraps ErrReconcileUnavailable. A refresh already in flight,
// or one whose result arrives after Clear or Close, leaves the set unchanged.
func (r *Reconciler) Refresh(ctx context.Context) (model.RespondedSet, error) {
	if r.closed.Load() || !r.refreshing.CompareAndSwap(false, true) {
		return r.Responded(), nil
	}
	defer r.refreshing.Store(false)

	gen := r.generation.Load()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	ids, err := r.remote.RespondedMeetings(callCtx)
	cancel()
	if err != nil {
		metrics.RecordReconcile("unavailable")
		err = fmt.Errorf("%w: %w", ErrReconcileUnavailable, err)
		r.log.Warn(ctx, "falling back to local responded set", logger.Error(err))
		return r.Responded(), err
	}

	r.mu.Lock()
	if r.closed.Load() || gen != r.generation.Load() {
		set := r.set
		r.mu.Unlock()
		metrics.RecordReconcile("abandoned")
		r.log.Debug(ctx, "discarding stale responded meetings")
		return set, nil
	}
	r.set = Reconcile(r.set, model.NewRespondedSet(ids...))
	set := r.set
	r.mu.Unlock()

	r.persist(ctx, set)
	metrics.RecordReconcile("ok")
	return set, nil
}

// Responded returns the merged set.
func (r *Reconciler) Responded() model.RespondedSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set
}

// HasResponded reports whether feedback for id was given.
func (r *Reconciler) HasResponded(id model.MeetingID) bool {
	return r.Responded().Has(id)
}

// Clear forgets everything on logout. Refreshes in flight are discarded.
func (r *Reconciler) Clear(ctx context.Context) error {
	r.generation.Add(1)
	r.mu.Lock()
	r.set = model.RespondedSet{}
	r.mu.Unlock()
	r.ledger.Reset(ctx)
	metrics.UpdateRespondedSetSize(0)
	if err := r.store.Remove(ctx, store.KeyRespondedMeetings); err != nil {
		return fmt.Errorf("clear responded set: %w", err)
	}
	return nil
}

// Run refreshes immediately and then every poll interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, ErrReconcileUnavailable) {
			r.log.Error(ctx, "refresh failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Close abandons in-flight reconciliation and waits for background refreshes.
func (r *Reconciler) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.generation.Add(1)
	r.baseCancel()
	r.wg.Wait()
}

// Stats returns reconciler statistics.
func (r *Reconciler) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"responded":         len(r.set),
		"submits_in_flight": len(r.submitting),
		"pending_questions": r.ledger.Size(),
		"refresh_in_flight": r.refreshing.Load(),
	}
}
