// Package queue buffers scheduler and reconciler events between the code
// that raises them and the transports that publish them.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/metrics"
)

const defaultCapacity = 256

// Item is a queued event with the time it was accepted.
type Item struct {
	Event      model.Event
	EnqueuedAt time.Time
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds an event. It returns false, without blocking, when the
	// queue is full or closed.
	Enqueue(ctx context.Context, ev model.Event) bool

	// Dequeue returns the channel events are delivered on, in enqueue order.
	// It is closed once the queue is closed and drained.
	Dequeue() <-chan Item

	// Len returns the number of events waiting.
	Len() int

	// Close stops accepting events. Events already queued stay readable.
	Close() error

	// IsClosed reports whether Close was called.
	IsClosed() bool
}

// InMemoryQueue implements Queue on a buffered channel.
type InMemoryQueue struct {
	items    chan Item
	capacity int
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a bounded in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.items = make(chan Item, q.capacity)

	metrics.UpdateEventQueueCapacity(q.capacity)
	metrics.UpdateEventQueueSize(0)
	return q
}

// Enqueue adds ev to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, ev model.Event) bool { //nolint:gocritic // hugeParam: events are passed by value through the channel
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordEventDropped("closed")
		return false
	}
	if ctx.Err() != nil {
		metrics.RecordEventDropped("cancelled")
		return false
	}

	select {
	case q.items <- Item{Event: ev, EnqueuedAt: q.now()}:
		metrics.RecordEventEnqueued()
		metrics.UpdateEventQueueSize(len(q.items))
		return true
	default:
		metrics.RecordEventDropped("full")
		return false
	}
}

// Dequeue returns the delivery channel.
func (q *InMemoryQueue) Dequeue() <-chan Item {
	return q.items
}

// Len returns the number of events waiting.
func (q *InMemoryQueue) Len() int {
	size := len(q.items)
	metrics.UpdateEventQueueSize(size)
	return size
}

// Close stops accepting events and closes the delivery channel once drained.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
