package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/internal/countdown"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/internal/domain/window"
	"github.com/okian/feedbackd/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(match func(model.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func ofType(t model.EventType) func(model.Event) bool {
	return func(ev model.Event) bool { return ev.Type == t }
}

func phaseIs(p window.Phase) func(model.Event) bool {
	return func(ev model.Event) bool { return ev.Type == model.EventPhaseChanged && ev.Phase == string(p) }
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

var tenOClock = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // test fixture

func meeting(id model.MeetingID, start time.Time) model.MeetingRef {
	return model.MeetingRef{ID: id, Title: "meeting", StartDateTime: start, EndDateTime: start.Add(time.Hour)}
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type fixture struct {
	clock fakeClock
	store *store.Memory
	rec   *recorder
	s     *Scheduler
}

func newFixture(at time.Time, stepDuration time.Duration) fixture {
	fc := clockwork.NewFakeClockAt(at)
	st := store.NewMemory()
	rec := &recorder{}
	pres := countdown.New(countdown.WithStepDuration(stepDuration), countdown.WithFramesPerStep(1))
	s := New(WithClock(fc), WithStore(st), WithPresenter(pres), WithPublisher(rec), WithPollIntervals(10*time.Second, time.Minute))
	return fixture{clock: fc, store: st, rec: rec, s: s}
}

func TestRevealScenario(t *testing.T) {
	Convey("Given a meeting at 10:00 tracked at 09:54", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock.Add(-6*time.Minute), time.Millisecond)
		defer f.s.Close()
		m := meeting(7, tenOClock)

		h := f.s.Track(ctx, m)

		Convey("Then it is Far with a wakeup at 09:55", func() {
			So(h, ShouldNotBeNil)
			So(h.WakeAt.Equal(tenOClock.Add(-5*time.Minute)), ShouldBeTrue)
			So(f.s.Snapshot().Phase, ShouldEqual, window.Far)
			So(errors.Is(f.s.WindowOpen(7), ErrWindowClosed), ShouldBeTrue)

			timer, ok, err := store.LoadTimer(ctx, f.store)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(timer.MeetingID, ShouldEqual, model.MeetingID(7))
			So(timer.MinutesLeft, ShouldEqual, 6)
		})

		Convey("When the clock reaches 09:55", func() {
			f.clock.Advance(time.Minute)

			Convey("Then the reveal runs once and questions open", func() {
				So(eventually(func() bool { return f.rec.count(ofType(model.EventQuestionsRevealed)) == 1 }), ShouldBeTrue)
				So(f.rec.count(phaseIs(window.Imminent)), ShouldEqual, 1)
				So(eventually(func() bool { return f.s.Snapshot().Phase == window.Active }), ShouldBeTrue)
				So(f.rec.count(ofType(model.EventCountdownStep)), ShouldEqual, 6)
				So(f.s.WindowOpen(7), ShouldBeNil)
				So(f.s.Snapshot().Revealed, ShouldBeTrue)
				So(f.s.LiveHandles(), ShouldEqual, 0)

				Convey("And re-evaluating at 09:56 does not re-run it", func() {
					steps := f.rec.count(ofType(model.EventCountdownStep))
					f.clock.Advance(time.Minute)
					f.s.Tick(ctx)
					time.Sleep(20 * time.Millisecond)

					So(f.rec.count(ofType(model.EventCountdownStep)), ShouldEqual, steps)
					So(f.rec.count(ofType(model.EventQuestionsRevealed)), ShouldEqual, 1)
					So(f.s.Snapshot().Phase, ShouldEqual, window.Active)
					So(f.s.Snapshot().Countdown, ShouldBeNil)
				})

				Convey("And tracking it again shows questions directly", func() {
					So(f.s.Track(ctx, m), ShouldBeNil)
					So(f.s.Snapshot().Phase, ShouldEqual, window.Active)
				})
			})
		})
	})
}

func TestGraceScenario(t *testing.T) {
	Convey("Given a revealed meeting at 10:00 evaluated at 10:59", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock.Add(59*time.Minute), time.Millisecond)
		defer f.s.Close()
		So(f.s.reveals.Mark(ctx, 7), ShouldBeNil)

		f.s.Track(ctx, meeting(7, tenOClock))

		Convey("Then it is still Active", func() {
			So(f.s.Snapshot().Phase, ShouldEqual, window.Active)
			So(f.s.WindowOpen(7), ShouldBeNil)
		})

		Convey("When evaluated again at 11:01", func() {
			f.clock.Advance(2 * time.Minute)
			f.s.Tick(ctx)

			Convey("Then it is Expired and questions are no longer offered", func() {
				So(f.s.Snapshot().Phase, ShouldEqual, window.Expired)
				So(f.s.Snapshot().QuestionsVisible, ShouldBeFalse)
				So(errors.Is(f.s.WindowOpen(7), ErrWindowClosed), ShouldBeTrue)
				So(f.rec.count(phaseIs(window.Expired)), ShouldEqual, 1)
			})
		})
	})
}

func TestNoDuplicateTimers(t *testing.T) {
	Convey("Given a Far meeting", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock.Add(-30*time.Minute), time.Millisecond)
		defer f.s.Close()
		m := meeting(3, tenOClock)

		Convey("When it is tracked twice in succession", func() {
			h1 := f.s.Track(ctx, m)
			h2 := f.s.Track(ctx, m)

			Convey("Then exactly one handle is live", func() {
				So(h1.Cancelled(), ShouldBeTrue)
				So(h2.Cancelled(), ShouldBeFalse)
				So(f.s.LiveHandles(), ShouldEqual, 1)
				live, ok := f.s.Handle(3)
				So(ok, ShouldBeTrue)
				So(live, ShouldPointTo, h2)
			})

			Convey("Then the wakeup fires once", func() {
				f.clock.Advance(25 * time.Minute)
				So(eventually(func() bool { return f.rec.count(ofType(model.EventQuestionsRevealed)) == 1 }), ShouldBeTrue)
				time.Sleep(20 * time.Millisecond)
				So(f.rec.count(phaseIs(window.Imminent)), ShouldEqual, 1)
			})
		})

		Convey("When a poll tick re-evaluates while Far", func() {
			h := f.s.Track(ctx, m)
			f.clock.Advance(time.Minute)
			f.s.Tick(ctx)

			Convey("Then the existing wakeup is kept", func() {
				live, ok := f.s.Handle(3)
				So(ok, ShouldBeTrue)
				So(live, ShouldPointTo, h)
				So(f.s.LiveHandles(), ShouldEqual, 1)
			})
		})
	})
}

func TestUntrackCancels(t *testing.T) {
	Convey("Given a tracked Far meeting", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock.Add(-10*time.Minute), time.Millisecond)
		defer f.s.Close()
		h := f.s.Track(ctx, meeting(5, tenOClock))

		Convey("When it is untracked and time passes the wakeup", func() {
			before := f.rec.len()
			f.s.Untrack(ctx, 5)
			f.clock.Advance(10 * time.Minute)
			f.s.Tick(ctx)
			time.Sleep(20 * time.Millisecond)

			Convey("Then no phase change is published", func() {
				So(h.Cancelled(), ShouldBeTrue)
				So(f.rec.len(), ShouldEqual, before)
				So(f.s.LiveHandles(), ShouldEqual, 0)
				So(f.s.Snapshot().Meeting, ShouldBeNil)
			})

			Convey("Then the persisted timer is cleared", func() {
				_, ok, err := store.LoadTimer(ctx, f.store)
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
			})
		})
	})

	Convey("Given a meeting whose reveal is running", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock, time.Second)
		defer f.s.Close()
		f.s.Track(ctx, meeting(8, tenOClock))

		Convey("Then it reports Imminent with a countdown", func() {
			So(f.s.Snapshot().Phase, ShouldEqual, window.Imminent)
			So(eventually(func() bool { return f.s.Snapshot().Countdown != nil }), ShouldBeTrue)
		})

		Convey("When it is untracked mid-countdown", func() {
			So(eventually(func() bool { return f.rec.count(ofType(model.EventCountdownStep)) > 0 }), ShouldBeTrue)
			f.s.Untrack(ctx, 8)
			time.Sleep(30 * time.Millisecond)

			Convey("Then the reveal never completes", func() {
				So(f.rec.count(ofType(model.EventQuestionsRevealed)), ShouldEqual, 0)
				So(f.s.reveals.Revealed(8), ShouldBeFalse)
			})
		})
	})
}

func TestRevealCancelledWhenMeetingMovesLater(t *testing.T) {
	Convey("Given a meeting whose reveal is running", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock, time.Second)
		defer f.s.Close()
		f.s.Refresh(ctx, []model.MeetingRef{meeting(8, tenOClock)})
		So(eventually(func() bool { return f.rec.count(ofType(model.EventCountdownStep)) > 0 }), ShouldBeTrue)

		Convey("When the feed moves it an hour later", func() {
			f.s.Refresh(ctx, []model.MeetingRef{meeting(8, tenOClock.Add(time.Hour))})
			steps := f.rec.count(ofType(model.EventCountdownStep))
			time.Sleep(30 * time.Millisecond)

			Convey("Then the reveal stops and the meeting waits for its new window", func() {
				status := f.s.Snapshot()
				So(status.Phase, ShouldEqual, window.Far)
				So(status.Countdown, ShouldBeNil)
				So(status.Revealed, ShouldBeFalse)
				So(f.s.reveals.Revealed(8), ShouldBeFalse)
				So(f.rec.count(ofType(model.EventQuestionsRevealed)), ShouldEqual, 0)
				So(f.rec.count(ofType(model.EventCountdownStep)), ShouldEqual, steps)
				So(f.s.LiveHandles(), ShouldEqual, 1)
			})
		})
	})
}

// slowStore holds writes of the revealed ledger until released.
type slowStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Set(ctx context.Context, key string, value []byte) error {
	if key == store.KeyRevealedMeetings {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Memory.Set(ctx, key, value)
}

func TestRevealPersistenceOutsideLock(t *testing.T) {
	Convey("Given a reveal whose ledger write is slow", t, func() {
		ctx := context.Background()
		fc := clockwork.NewFakeClockAt(tenOClock)
		slow := &slowStore{Memory: store.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
		rec := &recorder{}
		s := New(
			WithClock(fc),
			WithPresenter(countdown.New(countdown.WithStepDuration(time.Millisecond), countdown.WithFramesPerStep(1))),
			WithRevealLedger(countdown.NewRevealLedger(ctx, slow, nil)),
			WithPublisher(rec),
		)
		defer s.Close()
		s.Track(ctx, meeting(8, tenOClock))

		select {
		case <-slow.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("reveal never reached the ledger")
		}

		Convey("When the scheduler is read and ticked during the write", func() {
			done := make(chan Status, 1)
			go func() {
				s.Tick(ctx)
				done <- s.Snapshot()
			}()

			var status Status
			select {
			case status = <-done:
			case <-time.After(time.Second):
				t.Fatal("scheduler blocked on the ledger write")
			}
			steps := rec.count(ofType(model.EventCountdownStep))
			close(slow.release)

			Convey("Then it answers at once and the reveal completes only once", func() {
				So(status.Phase, ShouldEqual, window.Imminent)
				So(eventually(func() bool { return rec.count(ofType(model.EventQuestionsRevealed)) == 1 }), ShouldBeTrue)
				So(eventually(func() bool { return s.Snapshot().Phase == window.Active }), ShouldBeTrue)
				So(rec.count(ofType(model.EventCountdownStep)), ShouldEqual, steps)
				So(s.reveals.Revealed(8), ShouldBeTrue)
			})
		})
	})
}

func TestTickGuard(t *testing.T) {
	Convey("Given a tick already in flight", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock.Add(-time.Hour), time.Millisecond)
		defer f.s.Close()
		f.s.ticking.Store(true)

		Convey("When another tick arrives", func() {
			f.s.Tick(ctx)

			Convey("Then it is ignored", func() {
				So(f.s.Snapshot().LastTick, ShouldBeNil)
			})
		})
	})
}

func TestSelectNext(t *testing.T) {
	Convey("Given several meetings at 09:54", t, func() {
		now := tenOClock.Add(-6 * time.Minute)
		later5 := meeting(5, tenOClock.Add(30*time.Minute))
		later3 := meeting(3, tenOClock.Add(30*time.Minute))
		expired := meeting(1, tenOClock.Add(-2*time.Hour))
		ongoing := meeting(9, tenOClock.Add(-4*time.Minute))

		Convey("Then an ongoing meeting wins as zero minutes away", func() {
			got, ok := SelectNext(now, window.DefaultWindow, []model.MeetingRef{later5, expired, ongoing, later3})
			So(ok, ShouldBeTrue)
			So(got.ID, ShouldEqual, model.MeetingID(9))
		})

		Convey("Then ties go to the smaller id", func() {
			got, ok := SelectNext(now, window.DefaultWindow, []model.MeetingRef{later5, later3, expired})
			So(ok, ShouldBeTrue)
			So(got.ID, ShouldEqual, model.MeetingID(3))
		})

		Convey("Then only expired meetings select nothing", func() {
			_, ok := SelectNext(now, window.DefaultWindow, []model.MeetingRef{expired})
			So(ok, ShouldBeFalse)
		})
	})
}

func TestRefresh(t *testing.T) {
	Convey("Given a scheduler tracking the next meeting from the feed", t, func() {
		ctx := context.Background()
		f := newFixture(tenOClock.Add(-time.Hour), time.Millisecond)
		defer f.s.Close()
		a := meeting(11, tenOClock)
		b := meeting(12, tenOClock.Add(-30*time.Minute))

		f.s.Refresh(ctx, []model.MeetingRef{a})
		first, ok := f.s.Handle(11)
		So(ok, ShouldBeTrue)

		Convey("When the feed brings a sooner meeting", func() {
			f.s.Refresh(ctx, []model.MeetingRef{a, b})

			Convey("Then the old wakeup is cancelled before the new one is armed", func() {
				So(first.Cancelled(), ShouldBeTrue)
				So(f.s.LiveHandles(), ShouldEqual, 1)
				_, ok := f.s.Handle(12)
				So(ok, ShouldBeTrue)
				So(f.s.Snapshot().Meeting.ID, ShouldEqual, model.MeetingID(12))
			})
		})

		Convey("When the same meeting is refreshed", func() {
			f.s.Refresh(ctx, []model.MeetingRef{a})

			Convey("Then the wakeup is kept", func() {
				again, ok := f.s.Handle(11)
				So(ok, ShouldBeTrue)
				So(again, ShouldPointTo, first)
			})
		})

		Convey("When the feed becomes empty", func() {
			f.s.Refresh(ctx, nil)

			Convey("Then nothing is tracked and the timer is cleared", func() {
				So(first.Cancelled(), ShouldBeTrue)
				So(f.s.Snapshot().Meeting, ShouldBeNil)
				_, ok, _ := store.LoadTimer(ctx, f.store)
				So(ok, ShouldBeFalse)
				So(errors.Is(f.s.WindowOpen(11), ErrUnknownMeeting), ShouldBeTrue)
			})
		})
	})
}

func TestRunLoop(t *testing.T) {
	Convey("Given the poll loop on a fake clock", t, func() {
		f := newFixture(tenOClock, time.Millisecond)
		defer f.s.Close()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.s.Run(ctx) }()

		lastTickAt := func(at time.Time) func() bool {
			return func() bool {
				lt := f.s.Snapshot().LastTick
				return lt != nil && lt.Equal(at)
			}
		}

		Convey("Then it ticks immediately, on the idle cadence and on focus", func() {
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer waitCancel()

			So(eventually(lastTickAt(tenOClock)), ShouldBeTrue)
			So(f.clock.BlockUntilContext(waitCtx, 1), ShouldBeNil)

			f.clock.Advance(time.Minute)
			So(eventually(lastTickAt(tenOClock.Add(time.Minute))), ShouldBeTrue)

			f.clock.Advance(time.Second)
			f.s.SetFocused(true)
			So(eventually(lastTickAt(tenOClock.Add(61*time.Second))), ShouldBeTrue)
			So(f.clock.BlockUntilContext(waitCtx, 1), ShouldBeNil)

			f.clock.Advance(10 * time.Second)
			So(eventually(lastTickAt(tenOClock.Add(71*time.Second))), ShouldBeTrue)
			So(f.s.Snapshot().Focused, ShouldBeTrue)

			cancel()
			So(<-done, ShouldBeNil)
		})
	})
}
