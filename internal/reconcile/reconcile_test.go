package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type fakeRemote struct {
	mu           sync.Mutex
	calls        []string
	failOnce     map[string]bool
	hang         bool
	responded    []model.MeetingID
	respondedErr error
	gate         chan struct{} // when set, RespondedMeetings waits on it
	entered      chan struct{}
}

func (f *fakeRemote) SubmitAnswer(ctx context.Context, _ model.MeetingID, a model.Answer) error {
	f.mu.Lock()
	f.calls = append(f.calls, a.QuestionID)
	fail := f.failOnce[a.QuestionID]
	delete(f.failOnce, a.QuestionID)
	hang := f.hang
	entered := f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("502 bad gateway")
	}
	return nil
}

func (f *fakeRemote) RespondedMeetings(ctx context.Context) ([]model.MeetingID, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MeetingID(nil), f.responded...), f.respondedErr
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) callsFor(q string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == q {
			n++
		}
	}
	return n
}

func answers(ratings ...int) []model.Answer {
	out := make([]model.Answer, len(ratings))
	for i, r := range ratings {
		out[i] = model.Answer{QuestionID: string(rune('a' + i)), Rating: r}
	}
	return out
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

func TestReconcile(t *testing.T) {
	Convey("Given local and remote responded sets", t, func() {
		local := model.NewRespondedSet(7)
		remote := model.NewRespondedSet(7, 9)

		Convey("Then {7} merged with {7, 9} is {7, 9} in either order", func() {
			So(Reconcile(local, remote), ShouldResemble, model.RespondedSet{7, 9})
			So(Reconcile(remote, local), ShouldResemble, model.RespondedSet{7, 9})
		})

		Convey("Then reconciling again is idempotent", func() {
			cases := [][2]model.RespondedSet{
				{local, remote},
				{model.NewRespondedSet(), model.NewRespondedSet(3, 1)},
				{model.NewRespondedSet(5, 2, 5), model.NewRespondedSet()},
				{model.NewRespondedSet(1, 2, 3), model.NewRespondedSet(3, 4)},
			}
			for _, c := range cases {
				once := Reconcile(c[0], c[1])
				So(Reconcile(once, c[1]), ShouldResemble, once)
			}
		})
	})
}

func TestSubmitValidation(t *testing.T) {
	Convey("Given a reconciler", t, func() {
		ctx := context.Background()
		remote := &fakeRemote{}
		r := New(ctx, remote)
		defer r.Close()

		Convey("When one of five answers has no rating", func() {
			_, err := r.Submit(ctx, 7, answers(5, 4, 0, 3, 2))

			Convey("Then the submit is rejected with no network call", func() {
				So(errors.Is(err, ErrIncompleteAnswers), ShouldBeTrue)
				So(remote.callCount(), ShouldEqual, 0)
				So(r.HasResponded(7), ShouldBeFalse)
			})
		})

		Convey("When there are no answers", func() {
			_, err := r.Submit(ctx, 7, nil)
			So(errors.Is(err, ErrIncompleteAnswers), ShouldBeTrue)
		})

		Convey("When a rating is out of range or a question id is missing", func() {
			_, err := r.Submit(ctx, 7, answers(6))
			So(errors.Is(err, ErrIncompleteAnswers), ShouldBeTrue)
			_, err = r.Submit(ctx, 7, []model.Answer{{Rating: 3}})
			So(errors.Is(err, ErrIncompleteAnswers), ShouldBeTrue)
			So(remote.callCount(), ShouldEqual, 0)
		})
	})
}

func TestSubmitSuccess(t *testing.T) {
	Convey("Given the portal already knows meeting 9", t, func() {
		ctx := context.Background()
		st := store.NewMemory()
		remote := &fakeRemote{responded: []model.MeetingID{7, 9}}
		rec := &events{}
		r := New(ctx, remote, WithStore(st), WithPublisher(rec))
		defer r.Close()

		Convey("When every answer is accepted", func() {
			records, err := r.Submit(ctx, 7, answers(5, 4))

			Convey("Then the meeting is marked responded immediately", func() {
				So(err, ShouldBeNil)
				So(records, ShouldHaveLength, 2)
				So(records[0].MeetingID, ShouldEqual, model.MeetingID(7))
				So(r.HasResponded(7), ShouldBeTrue)
				So(rec.count(model.EventSubmitted), ShouldEqual, 1)
			})

			Convey("And the same feedback is sent again", func() {
				calls := remote.callCount()
				_, again := r.Submit(ctx, 7, answers(5, 4))

				Convey("Then it is refused without another portal call", func() {
					So(errors.Is(again, ErrAlreadyResponded), ShouldBeTrue)
					So(remote.callCount(), ShouldEqual, calls)
					So(rec.count(model.EventSubmitted), ShouldEqual, 1)
				})
			})

			Convey("Then the remote refresh merges and persists the union", func() {
				So(eventually(func() bool { return r.Responded().Equal(model.NewRespondedSet(7, 9)) }), ShouldBeTrue)
				So(eventually(func() bool {
					set, err := store.LoadResponded(ctx, st)
					return err == nil && set.Equal(model.NewRespondedSet(7, 9))
				}), ShouldBeTrue)
			})
		})
	})
}

func TestSubmitPartialFailure(t *testing.T) {
	Convey("Given a portal that rejects question b once", t, func() {
		ctx := context.Background()
		remote := &fakeRemote{failOnce: map[string]bool{"b": true}}
		r := New(ctx, remote)
		defer r.Close()

		Convey("When submitting three answers", func() {
			records, err := r.Submit(ctx, 7, answers(5, 4, 3))

			Convey("Then the failure lists succeeded and failed questions", func() {
				So(errors.Is(err, ErrSubmit), ShouldBeTrue)
				var serr *SubmitError
				So(errors.As(err, &serr), ShouldBeTrue)
				So(serr.MeetingID, ShouldEqual, model.MeetingID(7))
				So(serr.Succeeded, ShouldResemble, []string{"a", "c"})
				So(serr.Failed, ShouldResemble, []string{"b"})
				So(records, ShouldHaveLength, 2)
				So(r.HasResponded(7), ShouldBeFalse)
			})

			Convey("And the user retries", func() {
				_, err := r.Submit(ctx, 7, answers(5, 4, 3))

				Convey("Then only the failed question is resent", func() {
					So(err, ShouldBeNil)
					So(remote.callsFor("a"), ShouldEqual, 1)
					So(remote.callsFor("b"), ShouldEqual, 2)
					So(remote.callsFor("c"), ShouldEqual, 1)
					So(r.HasResponded(7), ShouldBeTrue)
				})
			})
		})
	})

	Convey("Given a portal that never answers", t, func() {
		ctx := context.Background()
		remote := &fakeRemote{hang: true}
		r := New(ctx, remote, WithRequestTimeout(10*time.Millisecond))
		defer r.Close()

		Convey("When submitting", func() {
			_, err := r.Submit(ctx, 7, answers(5))

			Convey("Then the timeout is reported as a failure", func() {
				So(errors.Is(err, ErrSubmit), ShouldBeTrue)
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
		})
	})
}

func TestSubmitInFlight(t *testing.T) {
	Convey("Given a submit waiting on the portal", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		remote := &fakeRemote{hang: true, entered: make(chan struct{}, 4)}
		r := New(context.Background(), remote, WithRequestTimeout(time.Minute))
		defer r.Close()

		done := make(chan error, 1)
		go func() {
			_, err := r.Submit(ctx, 7, answers(5))
			done <- err
		}()
		<-remote.entered

		Convey("When a second submit for the same meeting arrives", func() {
			_, err := r.Submit(context.Background(), 7, answers(5))

			Convey("Then it is refused", func() {
				So(errors.Is(err, ErrSubmitInFlight), ShouldBeTrue)
				cancel()
				So(errors.Is(<-done, ErrSubmit), ShouldBeTrue)
			})
		})
	})
}

func TestRefreshFallback(t *testing.T) {
	Convey("Given a locally persisted set {7}", t, func() {
		ctx := context.Background()
		st := store.NewMemory()
		So(store.SaveResponded(ctx, st, model.NewRespondedSet(7)), ShouldBeNil)
		remote := &fakeRemote{responded: []model.MeetingID{9}}
		r := New(ctx, remote, WithStore(st))
		defer r.Close()

		Convey("When the portal answers and later fails", func() {
			set, err := r.Refresh(ctx)
			So(err, ShouldBeNil)
			So(set, ShouldResemble, model.RespondedSet{7, 9})

			remote.mu.Lock()
			remote.responded, remote.respondedErr = nil, errors.New("connection refused")
			remote.mu.Unlock()
			set, err = r.Refresh(ctx)

			Convey("Then the known set is kept and the failure is internal", func() {
				So(errors.Is(err, ErrReconcileUnavailable), ShouldBeTrue)
				So(set, ShouldResemble, model.RespondedSet{7, 9})
				So(r.Responded(), ShouldResemble, model.RespondedSet{7, 9})
			})
		})
	})

	Convey("Given a corrupt persisted set", t, func() {
		ctx := context.Background()
		st := store.NewMemory()
		So(st.Set(ctx, store.KeyRespondedMeetings, []byte("{")), ShouldBeNil)
		r := New(ctx, &fakeRemote{}, WithStore(st))
		defer r.Close()

		Convey("Then it starts empty", func() {
			So(r.Responded(), ShouldBeEmpty)
		})
	})
}

func TestAbandonLateResults(t *testing.T) {
	Convey("Given a refresh waiting on the portal", t, func() {
		ctx := context.Background()
		remote := &fakeRemote{responded: []model.MeetingID{42}, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
		r := New(ctx, remote)

		result := make(chan model.RespondedSet, 1)
		go func() {
			set, _ := r.Refresh(ctx)
			result <- set
		}()
		<-remote.entered

		Convey("When the reconciler is closed before the answer arrives", func() {
			r.Close()
			close(remote.gate)

			Convey("Then the late result is discarded", func() {
				So((<-result).Has(42), ShouldBeFalse)
				So(r.HasResponded(42), ShouldBeFalse)
			})
		})

		Convey("When the user logs out before the answer arrives", func() {
			So(r.Clear(ctx), ShouldBeNil)
			close(remote.gate)

			Convey("Then the late result does not resurrect state", func() {
				So((<-result).Has(42), ShouldBeFalse)
				So(r.Responded(), ShouldBeEmpty)
				r.Close()
			})
		})
	})
}

func TestClear(t *testing.T) {
	Convey("Given a responded meeting", t, func() {
		ctx := context.Background()
		st := store.NewMemory()
		r := New(ctx, &fakeRemote{}, WithStore(st))
		defer r.Close()
		_, err := r.Submit(ctx, 3, answers(4))
		So(err, ShouldBeNil)

		Convey("When the user logs out", func() {
			So(r.Clear(ctx), ShouldBeNil)

			Convey("Then the set and its persisted copy are gone", func() {
				So(r.HasResponded(3), ShouldBeFalse)
				set, err := store.LoadResponded(ctx, st)
				So(err, ShouldBeNil)
				So(set.Has(3), ShouldBeFalse)
			})
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given the refresh loop on a fake clock", t, func() {
		fc := clockwork.NewFakeClock()
		remote := &fakeRemote{responded: []model.MeetingID{1}}
		r := New(context.Background(), remote, WithClock(fc), WithPollInterval(30*time.Second))
		defer r.Close()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		Convey("Then it refreshes immediately and on every interval", func() {
			So(eventually(func() bool { return r.HasResponded(1) }), ShouldBeTrue)

			remote.mu.Lock()
			remote.responded = []model.MeetingID{2}
			remote.mu.Unlock()
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer waitCancel()
			So(fc.BlockUntilContext(waitCtx, 1), ShouldBeNil)
			fc.Advance(30 * time.Second)

			So(eventually(func() bool { return r.HasResponded(2) }), ShouldBeTrue)
			So(r.HasResponded(1), ShouldBeTrue)
			cancel()
			So(<-done, ShouldBeNil)
		})
	})
}

type events struct {
	mu  sync.Mutex
	all []model.Event
}

func (e *events) Publish(_ context.Context, ev model.Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) count(t model.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.all {
		if ev.Type == t {
			n++
		}
	}
	return n
}
