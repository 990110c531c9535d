// Package worker drains the event queue into the push transports so that
// publishing never blocks the scheduler or a submission.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/okian/feedbackd/internal/adapters/mq/queue"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

const defaultShutdownTimeout = 5 * time.Second

// Publisher receives dequeued events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Queue is the part of queue.Queue the dispatcher uses.
type Queue interface {
	Enqueue(ctx context.Context, ev model.Event) bool
	Dequeue() <-chan queue.Item
	Len() int
	Close() error
}

// Dispatcher is a Publisher that queues events and delivers them, in order,
// to the next Publisher from a single goroutine.
type Dispatcher struct {
	queue Queue
	next  Publisher
	name  string

	running    atomic.Bool
	dispatched atomic.Int64
	dropped    atomic.Int64
	done       chan struct{}

	logger logger.Logger
}

// NewDispatcher creates a dispatcher reading from q and publishing to next.
func NewDispatcher(q Queue, next Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  q,
		next:   next,
		name:   "dispatcher",
		done:   make(chan struct{}),
		logger: logger.Get().Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.name != "dispatcher" {
		d.logger = d.logger.Named(d.name)
	}
	return d
}

// Publish queues ev. A full or closed queue drops the event.
func (d *Dispatcher) Publish(ctx context.Context, ev model.Event) { //nolint:gocritic // hugeParam: events are passed by value
	if d.queue.Enqueue(ctx, ev) {
		return
	}
	d.dropped.Add(1)
	d.logger.Warn(ctx, "event dropped",
		logger.String("type", string(ev.Type)),
		logger.Int64("meeting_id", int64(ev.MeetingID)),
		logger.Int("queued", d.queue.Len()),
	)
}

// Start runs the dispatcher in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.running.CompareAndSwap(false, true) {
		go d.loop(ctx)
	}
}

// Run delivers events until the queue is closed and drained or ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.running.CompareAndSwap(false, true) {
		d.loop(ctx)
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	items := d.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			d.dispatch(ctx, item)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item queue.Item) { //nolint:gocritic // hugeParam: items are passed by value
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "publisher panicked", logger.Any("panic", r), logger.String("type", string(item.Event.Type)))
		}
	}()
	d.next.Publish(ctx, item.Event)
	d.dispatched.Add(1)
	metrics.RecordEventDispatchLatency(time.Since(item.EnqueuedAt))
	metrics.UpdateEventQueueSize(d.queue.Len())
}

// Shutdown stops accepting events and waits for the queued ones to be
// delivered. A dispatcher that was never run returns immediately.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if err := d.queue.Close(); err != nil {
		d.logger.Error(ctx, "error closing queue", logger.Error(err))
	}
	if !d.running.Load() {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.logger.Warn(ctx, "shutdown timed out", logger.Int("queued", d.queue.Len()))
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queued":     d.queue.Len(),
		"dispatched": d.dispatched.Load(),
		"dropped":    d.dropped.Load(),
	}
}
