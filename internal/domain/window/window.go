// Package window classifies a meeting relative to now into a feedback phase.
package window

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/feedbackd/internal/domain/model"
)

// Phase is the classification of a meeting relative to now.
type Phase string

const (
	Far      Phase = "far"
	Imminent Phase = "imminent"
	Active   Phase = "active"
	Expired  Phase = "expired"
)

// QuestionsVisible reports whether questions may be shown in this phase.
func (p Phase) QuestionsVisible() bool { return p == Imminent || p == Active }

// Window bounds the feedback window around a meeting start.
// Questions are visible from Lead before the start until Grace after it.
type Window struct {
	Lead  time.Duration
	Grace time.Duration
}

// DefaultWindow opens five minutes before the start and closes sixty minutes after it.
var DefaultWindow = Window{Lead: 5 * time.Minute, Grace: 60 * time.Minute} //nolint:gochecknoglobals // immutable default

// MinutesUntil returns floor((start-now)/1min).
func MinutesUntil(now, start time.Time) int64 {
	return int64(math.Floor(start.Sub(now).Minutes()))
}

// Evaluate maps now and the meeting start to a phase. It never returns Imminent;
// the scheduler reports Imminent while a reveal countdown is running.
func (w Window) Evaluate(now time.Time, m model.MeetingRef) Phase {
	mins := MinutesUntil(now, m.StartDateTime)
	switch {
	case mins > int64(w.Lead/time.Minute):
		return Far
	case mins >= -int64(w.Grace/time.Minute):
		return Active
	default:
		return Expired
	}
}

// WakeAt is the instant the meeting enters the window.
func (w Window) WakeAt(m model.MeetingRef) time.Time {
	return m.StartDateTime.Add(-w.Lead)
}

// Evaluate classifies m with DefaultWindow.
func Evaluate(now time.Time, m model.MeetingRef) Phase {
	return DefaultWindow.Evaluate(now, m)
}

var dateLayouts = []string{"2006-01-02"}                    //nolint:gochecknoglobals // parse table
var clockLayouts = []string{"15:04", "15:04:05", "3:04 PM"} //nolint:gochecknoglobals // parse table

// Normalize combines a date field and a time-of-day field into one instant in loc.
// An ISO date-time in date is truncated to its date part first. An empty clock
// defaults to midnight and defaulted reports that.
func Normalize(date, clock string, loc *time.Location) (t time.Time, defaulted bool, err error) {
	if loc == nil {
		loc = time.Local
	}
	d := strings.TrimSpace(date)
	if i := strings.IndexAny(d, "T "); i >= 0 {
		d = d[:i]
	}
	day, err := parseFirst(dateLayouts, d, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: date %q", ErrInvalidSchedule, date)
	}

	c := strings.TrimSpace(clock)
	if c == "" {
		return day, true, nil
	}
	tod, err := parseFirst(clockLayouts, strings.ToUpper(c), time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: time %q", ErrInvalidSchedule, clock)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, loc), false, nil
}

func parseFirst(layouts []string, v string, loc *time.Location) (time.Time, error) {
	var err error
	for _, layout := range layouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// NormalizeMeeting converts a feed meeting to a MeetingRef. A missing or
// earlier end time is replaced by the start.
func NormalizeMeeting(raw model.RawMeeting, loc *time.Location) (model.MeetingRef, error) {
	start, defaulted, err := Normalize(raw.Date, raw.StartTime, loc)
	if err != nil {
		return model.MeetingRef{}, fmt.Errorf("meeting %d start: %w", raw.ID, err)
	}
	end := start
	if strings.TrimSpace(raw.EndTime) != "" {
		e, _, err := Normalize(raw.Date, raw.EndTime, loc)
		if err != nil {
			return model.MeetingRef{}, fmt.Errorf("meeting %d end: %w", raw.ID, err)
		}
		if e.After(start) {
			end = e
		}
	}
	return model.MeetingRef{
		ID:            raw.ID,
		Title:         raw.Title,
		StartDateTime: start,
		EndDateTime:   end,
		DepartmentID:  string(raw.DepartmentID),
		Year:          string(raw.Year),
		Role:          raw.Role,
		TimeDefaulted: defaulted,
	}, nil
}
