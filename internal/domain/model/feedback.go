package model

import (
	"encoding/json"
	"time"
)

// Question is a feedback question attached to a meeting.
type Question struct {
	ID        string    `json:"id"`
	MeetingID MeetingID `json:"meetingId"`
	Text      string    `json:"text"`
	Type      string    `json:"type,omitempty"`
}

// UnmarshalJSON accepts numeric or string question ids.
func (q *Question) UnmarshalJSON(data []byte) error {
	type wire struct {
		ID        FlexString `json:"id"`
		MeetingID MeetingID  `json:"meetingId"`
		Text      string     `json:"text"`
		Type      string     `json:"type"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*q = Question{ID: string(w.ID), MeetingID: w.MeetingID, Text: w.Text, Type: w.Type}
	return nil
}

// Answer is the user's rating for one question.
type Answer struct {
	QuestionID string `json:"questionId" validate:"required"`
	Rating     int    `json:"rating" validate:"required,min=1,max=5"`
	Notes      string `json:"notes,omitempty" validate:"max=2000"`
}

// SubmissionRecord is created for every question the portal accepted.
type SubmissionRecord struct {
	MeetingID   MeetingID `json:"meetingId"`
	QuestionID  string    `json:"questionId"`
	Rating      int       `json:"rating"`
	Notes       string    `json:"notes,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}
