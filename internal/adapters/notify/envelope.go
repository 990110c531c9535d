package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/okian/feedbackd/internal/domain/model"
)

// Envelope wraps an event for delivery.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType model.EventType `json:"eventType"`
	MeetingID model.MeetingID `json:"meetingId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   model.Event     `json:"payload"`
}

// NewEnvelope assigns a fresh event id.
func NewEnvelope(ev model.Event) Envelope {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		EventID:   uuid.New().String(),
		EventType: ev.Type,
		MeetingID: ev.MeetingID,
		Timestamp: ts.UTC(),
		Payload:   ev,
	}
}
