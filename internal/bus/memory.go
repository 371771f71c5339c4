package bus

import (
	"context"

	"github.com/tendril-app/tendril/internal/log"
	"github.com/tendril-app/tendril/internal/pubsub"
)

// MemoryBus is the in-process backend. It fans notifications out through
// a broker; delivery is in-order per subscriber and fire-and-forget.
type MemoryBus struct {
	broker *pubsub.Broker[Notification]
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{broker: pubsub.NewBroker[Notification]()}
}

var _ Bus = (*MemoryBus)(nil)

// Publish fans the notification out to subscribers of its topic.
func (b *MemoryBus) Publish(_ context.Context, n Notification) error {
	b.broker.Publish(pubsub.Topic(n.Topic), n)
	return nil
}

// Subscribe returns a channel delivering notifications for the given topics.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (<-chan Notification, func()) {
	subCtx, cancel := context.WithCancel(ctx)
	src := b.broker.Subscribe(subCtx)
	out := make(chan Notification, 16)

	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}

	log.SafeGo("bus.filter", func() {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case event, ok := <-src:
				if !ok {
					return
				}
				if !wanted[string(event.Topic)] {
					continue
				}
				select {
				case out <- event.Payload:
				case <-subCtx.Done():
					return
				}
			}
		}
	})
	return out, cancel
}

// Close shuts down the broker. Idempotent.
func (b *MemoryBus) Close() error {
	b.broker.Close()
	return nil
}
