// Package notify pushes scheduler and submission events to dashboards over
// websocket and to NATS subscribers.
package notify

import "errors"

var (
	// ErrHubClosed is returned when a client connects after Close.
	ErrHubClosed = errors.New("notify hub closed")
	// ErrConnect is returned when the NATS connection cannot be established.
	ErrConnect = errors.New("connect to NATS")
)
