package notify

import (
	"context"

	"github.com/okian/feedbackd/internal/domain/model"
)

// Publisher receives events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Fanout publishes every event to each of its publishers in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev model.Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
