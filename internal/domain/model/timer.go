package model

import "time"

// NextMeetingTimer is the persisted view of the tracked meeting.
// MinutesLeft and SecondsLeft count down to the scheduled start and stop at zero.
type NextMeetingTimer struct {
	MeetingID     MeetingID `json:"meetingId"`
	Title         string    `json:"title"`
	StartDateTime time.Time `json:"startDateTime"`
	MinutesLeft   int64     `json:"minutesLeft"`
	SecondsLeft   int64     `json:"secondsLeft"`
}

// NewNextMeetingTimer computes the timer for m at now.
func NewNextMeetingTimer(m MeetingRef, now time.Time) NextMeetingTimer {
	left := m.StartDateTime.Sub(now)
	if left < 0 {
		left = 0
	}
	total := int64(left / time.Second)
	return NextMeetingTimer{
		MeetingID:     m.ID,
		Title:         m.Title,
		StartDateTime: m.StartDateTime,
		MinutesLeft:   total / 60,
		SecondsLeft:   total % 60,
	}
}
