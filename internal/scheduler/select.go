package scheduler

import (
	"time"

	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/internal/domain/window"
)

// SelectNext picks the meeting to track: among meetings that are not Expired,
// the smallest non-negative minutes-until-start, ties broken by the smaller id.
// Meetings already in progress count as zero minutes away.
func SelectNext(now time.Time, w window.Window, meetings []model.MeetingRef) (model.MeetingRef, bool) {
	var (
		best     model.MeetingRef
		bestMins int64
		found    bool
	)
	for _, m := range meetings {
		if w.Evaluate(now, m) == window.Expired {
			continue
		}
		mins := max(window.MinutesUntil(now, m.StartDateTime), 0)
		if !found || mins < bestMins || (mins == bestMins && m.ID < best.ID) {
			best, bestMins, found = m, mins, true
		}
	}
	return best, found
}
