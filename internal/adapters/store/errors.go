package store

import "errors"

// Sentinel errors for the persistence adapter.
var (
	ErrNotFound      = errors.New("key not found")
	ErrCorrupt       = errors.New("stored value is corrupt")
	ErrUnknownDriver = errors.New("unknown store driver")
)
