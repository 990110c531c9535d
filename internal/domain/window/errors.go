package window

import "errors"

// ErrInvalidSchedule is returned when a meeting's date and time do not form a valid instant.
var ErrInvalidSchedule = errors.New("invalid schedule")
