package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/feedbackd/internal/domain/ledger"
	"github.com/okian/feedbackd/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryLedger(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new in-memory ledger", t, func() {
		l := ledger.NewInMemory()

		Convey("Then it starts empty", func() {
			So(l.Size(), ShouldEqual, 0)
			So(l.Succeeded(1), ShouldBeEmpty)
			So(l.Accepted(1, "q1"), ShouldBeFalse)
		})

		Convey("When recording a question for the first time", func() {
			seen := l.Record(ctx, 1, "q1")

			Convey("Then it was not seen and is now accepted", func() {
				So(seen, ShouldBeFalse)
				So(l.Accepted(1, "q1"), ShouldBeTrue)
				So(l.Accepted(2, "q1"), ShouldBeFalse)
				So(l.Size(), ShouldEqual, 1)
			})
		})

		Convey("When recording the same question twice", func() {
			l.Record(ctx, 1, "q1")
			seen := l.Record(ctx, 1, "q1")

			Convey("Then the second call reports it as seen", func() {
				So(seen, ShouldBeTrue)
				So(l.Size(), ShouldEqual, 1)
			})
		})

		Convey("When several questions of a meeting succeed", func() {
			l.Record(ctx, 5, "q3")
			l.Record(ctx, 5, "q1")
			l.Record(ctx, 6, "q1")

			Convey("Then Succeeded lists them sorted", func() {
				So(l.Succeeded(5), ShouldResemble, []string{"q1", "q3"})
				So(l.Size(), ShouldEqual, 3)
			})

			Convey("And the meeting is forgotten", func() {
				l.Forget(ctx, 5)

				Convey("Then only the other meeting remains", func() {
					So(l.Succeeded(5), ShouldBeEmpty)
					So(l.Accepted(6, "q1"), ShouldBeTrue)
					So(l.Size(), ShouldEqual, 1)
				})
			})

			Convey("And a question is unrecorded", func() {
				l.Unrecord(ctx, 5, "q3")
				l.Unrecord(ctx, 5, "missing")
				l.Unrecord(ctx, 99, "q1")

				Convey("Then only that question is removed", func() {
					So(l.Succeeded(5), ShouldResemble, []string{"q1"})
					So(l.Size(), ShouldEqual, 2)
				})
			})

			Convey("And the ledger is reset", func() {
				l.Reset(ctx)
				So(l.Size(), ShouldEqual, 0)
				So(l.Accepted(6, "q1"), ShouldBeFalse)
			})
		})
	})

	Convey("Given a bounded ledger", t, func() {
		l := ledger.NewInMemory(ledger.WithMaxMeetings(2))

		Convey("When a third meeting is recorded", func() {
			l.Record(ctx, 1, "a")
			l.Record(ctx, 2, "a")
			l.Record(ctx, 3, "a")

			Convey("Then the oldest meeting is evicted", func() {
				So(l.Accepted(1, "a"), ShouldBeFalse)
				So(l.Accepted(2, "a"), ShouldBeTrue)
				So(l.Accepted(3, "a"), ShouldBeTrue)
				So(l.Size(), ShouldEqual, 2)
			})
		})
	})

	Convey("Given concurrent writers", t, func() {
		l := ledger.NewInMemory(ledger.WithMaxMeetings(0))
		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if !l.Record(ctx, model.MeetingID(i%5), fmt.Sprintf("q%d", i%10)) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		Convey("Then each pair is recorded once", func() {
			So(fresh, ShouldEqual, 10)
			So(l.Size(), ShouldEqual, 10)
		})
	})
}
