// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// Topic names a logical event stream within a broker. Subscribers receive
// every event regardless of topic; topic-level filtering is layered on top
// by the event bus.
type Topic string

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Topic     Topic
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(topic Topic, payload T)
}
