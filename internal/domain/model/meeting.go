// Package model contains domain models passed between layers.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MeetingID identifies a meeting. Ordering is numeric.
type MeetingID int64

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (id *MeetingID) UnmarshalJSON(data []byte) error {
	n, err := parseFlexibleInt(data)
	if err != nil {
		return fmt.Errorf("meeting id: %w", err)
	}
	*id = MeetingID(n)
	return nil
}

// String returns the decimal form of the id.
func (id MeetingID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseMeetingID parses a decimal meeting id.
func ParseMeetingID(s string) (MeetingID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meeting id %q: %w", s, err)
	}
	return MeetingID(n), nil
}

// FlexString is a string that also accepts JSON numbers.
type FlexString string

// UnmarshalJSON accepts strings, numbers and null.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}

func parseFlexibleInt(data []byte) (int64, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return 0, nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, err
	}
	return n.Int64()
}

// RawMeeting is a meeting as delivered by the portal feed.
// Date is either YYYY-MM-DD or an ISO date-time whose time part is ignored.
type RawMeeting struct {
	ID           MeetingID  `json:"id"`
	Title        string     `json:"title"`
	Date         string     `json:"date"`
	StartTime    string     `json:"startTime"`
	EndTime      string     `json:"endTime"`
	DepartmentID FlexString `json:"departmentId"`
	Year         FlexString `json:"year"`
	Role         string     `json:"role"`
}

// MeetingRef is a normalized meeting. It is never mutated after normalization.
type MeetingRef struct {
	ID            MeetingID `json:"id"`
	Title         string    `json:"title"`
	StartDateTime time.Time `json:"startDateTime"`
	EndDateTime   time.Time `json:"endDateTime"`
	DepartmentID  string    `json:"departmentId,omitempty"`
	Year          string    `json:"year,omitempty"`
	Role          string    `json:"role,omitempty"`
	// TimeDefaulted is set when the feed carried no time-of-day and the start fell back to midnight.
	TimeDefaulted bool `json:"timeDefaulted,omitempty"`
}

// Feed is the meeting feed payload. The portal returns either a flat array
// or an object with upcoming, ongoing and past categories.
type Feed struct {
	Upcoming []RawMeeting `json:"upcoming"`
	Ongoing  []RawMeeting `json:"ongoing"`
	Past     []RawMeeting `json:"past"`
}

// UnmarshalJSON decodes either feed shape. A flat array lands in Upcoming.
func (f *Feed) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var flat []RawMeeting
		if err := json.Unmarshal(data, &flat); err != nil {
			return err
		}
		*f = Feed{Upcoming: flat}
		return nil
	}
	type categorized Feed
	var c categorized
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*f = Feed(c)
	return nil
}

// Meetings returns all meetings of the feed, de-duplicated by id in first-seen order.
func (f Feed) Meetings() []RawMeeting {
	seen := make(map[MeetingID]struct{}, len(f.Upcoming)+len(f.Ongoing)+len(f.Past))
	out := make([]RawMeeting, 0, len(seen))
	for _, group := range [][]RawMeeting{f.Ongoing, f.Upcoming, f.Past} {
		for _, m := range group {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
