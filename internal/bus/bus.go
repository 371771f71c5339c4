package bus

import (
	"context"

	"github.com/tendril-app/tendril/internal/log"
)

// Bus delivers change notifications from the orchestration service to
// subscribers. Implementations provide at-least-once, per-subscriber
// in-order delivery within a topic; slow subscribers may miss
// notifications rather than block publishers.
type Bus interface {
	// Publish sends a notification to every subscriber of its topic.
	Publish(ctx context.Context, n Notification) error

	// Subscribe returns a channel of notifications for the given topics.
	// The channel closes when ctx is cancelled, the returned cancel
	// function is called, or the bus shuts down.
	Subscribe(ctx context.Context, topics ...string) (<-chan Notification, func())

	// Close shuts down the bus. Idempotent.
	Close() error
}

// Config selects and configures the bus backend.
type Config struct {
	// PostgresURL enables the distributed backend when non-empty.
	PostgresURL string
	// Channel is the Postgres notification channel name.
	Channel string
}

// DefaultChannel is the Postgres channel used when Config.Channel is empty.
const DefaultChannel = "tendril_notifications"

// New builds the configured bus backend. When the distributed backend is
// requested but unreachable, New falls back to the in-process bus so a
// single node keeps working, and logs the degraded mode loudly: clients on
// other nodes will not see this node's notifications until restart.
func New(ctx context.Context, cfg Config) Bus {
	if cfg.PostgresURL == "" {
		return NewMemoryBus()
	}

	pg, err := NewPostgresBus(ctx, cfg)
	if err != nil {
		log.ErrorErr(log.CatBus, "DEGRADED MODE: distributed event bus unavailable, falling back to in-process delivery; notifications will NOT reach other nodes", err)
		return NewMemoryBus()
	}
	return pg
}
