// Package portal talks to the feedback portal: meeting feed, questions,
// answer submission and the responded-meetings endpoint.
package portal

import "errors"

var (
	// ErrUnexpectedStatus is returned for non-2xx portal responses.
	ErrUnexpectedStatus = errors.New("unexpected portal status")
	// ErrUnreachable is returned when the portal cannot be reached at all.
	ErrUnreachable = errors.New("portal unreachable")
	// ErrDecode is returned when a portal payload cannot be decoded.
	ErrDecode = errors.New("decode portal payload")
	// ErrNotCalendar is returned when the iCal URL serves something other than a calendar.
	ErrNotCalendar = errors.New("response is not an iCalendar document")
)
