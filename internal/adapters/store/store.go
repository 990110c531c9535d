// Package store is the durable key-value persistence adapter.
package store

import (
	"context"
	"fmt"
)

// Persisted keys.
const (
	KeyRespondedMeetings = "respondedMeetings"
	KeyNextMeetingTimer  = "nextMeetingTimer"
	KeyRevealedMeetings  = "revealedMeetings"
)

// Store is a narrow key-value interface. Get returns ErrNotFound for absent keys;
// Remove of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Open returns the store for driver. path is used by the file driver and dsn by postgres.
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFile:
		return NewFile(path)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
