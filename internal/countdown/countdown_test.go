package countdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type recordingCue struct {
	mu    sync.Mutex
	steps []int
}

func (r *recordingCue) Cue(step int) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func TestPresenterRun(t *testing.T) {
	Convey("Given a fast presenter", t, func() {
		cue := &recordingCue{}
		p := New(WithStepDuration(4*time.Millisecond), WithFramesPerStep(2), WithAudioCue(cue))
		var frames []Frame
		sink := func(f Frame) { frames = append(frames, f) }

		Convey("When running to completion", func() {
			err := p.Run(context.Background(), 3, sink)

			Convey("Then steps count down strictly with a full ramp each", func() {
				So(err, ShouldBeNil)
				So(frames, ShouldResemble, []Frame{
					{Step: 3, Progress: 0, Cue: true}, {Step: 3, Progress: 50}, {Step: 3, Progress: 100},
					{Step: 2, Progress: 0, Cue: true}, {Step: 2, Progress: 50}, {Step: 2, Progress: 100},
					{Step: 1, Progress: 0, Cue: true}, {Step: 1, Progress: 50}, {Step: 1, Progress: 100},
				})
				So(cue.steps, ShouldResemble, []int{3, 2, 1})
			})
		})

		Convey("When cancelled during step 2", func() {
			ctx, cancel := context.WithCancel(context.Background())
			err := p.Run(ctx, 3, func(f Frame) {
				frames = append(frames, f)
				if f.Step == 2 {
					cancel()
				}
			})

			Convey("Then it stops without further frames", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(frames[len(frames)-1], ShouldResemble, Frame{Step: 2, Progress: 0, Cue: true})
				So(cue.steps, ShouldResemble, []int{3, 2})
			})
		})

		Convey("When the context is already done", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			err := p.Run(ctx, 3, sink)

			Convey("Then no frame is emitted", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(frames, ShouldBeEmpty)
			})
		})

		Convey("When steps is not positive", func() {
			err := p.Run(context.Background(), 0, sink)

			Convey("Then the default step count is used", func() {
				So(err, ShouldBeNil)
				So(frames[0].Step, ShouldEqual, p.Steps())
				So(p.Duration(), ShouldEqual, 12*time.Millisecond)
			})
		})
	})
}

func TestPresenterOnFakeClock(t *testing.T) {
	Convey("Given a presenter on a fake clock", t, func() {
		fc := clockwork.NewFakeClock()
		p := New(WithClock(fc), WithSteps(1), WithStepDuration(time.Second), WithFramesPerStep(2))
		got := make(chan Frame, 8)
		done := make(chan error, 1)

		go func() { done <- p.Run(context.Background(), 1, func(f Frame) { got <- f }) }()

		Convey("Then frames wait for the clock", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			So((<-got).Progress, ShouldEqual, 0)
			So(fc.BlockUntilContext(ctx, 1), ShouldBeNil)
			select {
			case f := <-got:
				t.Fatalf("frame %+v emitted before the clock advanced", f)
			default:
			}

			fc.Advance(500 * time.Millisecond)
			So((<-got).Progress, ShouldEqual, 50)
			So(fc.BlockUntilContext(ctx, 1), ShouldBeNil)
			fc.Advance(500 * time.Millisecond)
			So((<-got).Progress, ShouldEqual, 100)
			So(<-done, ShouldBeNil)
		})
	})
}

func TestRevealLedger(t *testing.T) {
	Convey("Given a reveal ledger on a memory store", t, func() {
		ctx := context.Background()
		s := store.NewMemory()
		r := NewRevealLedger(ctx, s, nil)

		Convey("When a meeting is marked", func() {
			So(r.Mark(ctx, 7), ShouldBeNil)
			So(r.Mark(ctx, 7), ShouldBeNil)

			Convey("Then it is revealed and persisted", func() {
				So(r.Revealed(7), ShouldBeTrue)
				So(r.Revealed(8), ShouldBeFalse)
				reloaded := NewRevealLedger(ctx, s, nil)
				So(reloaded.Revealed(7), ShouldBeTrue)
			})

			Convey("And the meeting is unmarked", func() {
				So(r.Unmark(ctx, 7), ShouldBeNil)
				So(r.Unmark(ctx, 7), ShouldBeNil)
				So(r.Revealed(7), ShouldBeFalse)
				So(NewRevealLedger(ctx, s, nil).Revealed(7), ShouldBeFalse)
			})

			Convey("And the ledger is cleared", func() {
				So(r.Clear(ctx), ShouldBeNil)
				So(r.Revealed(7), ShouldBeFalse)
				So(NewRevealLedger(ctx, s, nil).Revealed(7), ShouldBeFalse)
			})
		})

		Convey("When the persisted value is corrupt", func() {
			So(s.Set(ctx, store.KeyRevealedMeetings, []byte("{")), ShouldBeNil)
			r := NewRevealLedger(ctx, s, nil)

			Convey("Then it starts empty", func() {
				So(r.Revealed(7), ShouldBeFalse)
			})
		})
	})
}
