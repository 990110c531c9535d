package model

import "time"

// EventType names a notification pushed to dashboards.
type EventType string

const (
	EventPhaseChanged      EventType = "phase"
	EventCountdownStep     EventType = "countdown"
	EventQuestionsRevealed EventType = "revealed"
	EventSubmitted         EventType = "submitted"
)

// Countdown purposes carried by EventCountdownStep.
const (
	PurposeReveal = "reveal"
	PurposeSubmit = "submit"
)

// Event is a state change of the scheduler or reconciler.
type Event struct {
	Type      EventType `json:"type"`
	MeetingID MeetingID `json:"meetingId"`
	Phase     string    `json:"phase,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`
	Step      int       `json:"step,omitempty"`
	Progress  int       `json:"progress,omitempty"` // percent of the current step, 0..100
	Cue       bool      `json:"cue,omitempty"`      // play the audio cue for this step
	At        time.Time `json:"at"`
}
