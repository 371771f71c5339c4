package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendril-app/tendril/internal/log"
)

// PostgresBus is the distributed backend. Publishes go through pg_notify
// on a single channel with the topic inside the JSON payload; a dedicated
// LISTEN connection feeds received notifications into a local in-process
// bus for fan-out, so notifications published by any node reach
// subscribers on every node.
type PostgresBus struct {
	pool    *pgxpool.Pool
	channel string
	local   *MemoryBus

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPostgresBus connects to Postgres and starts the listen loop. The
// connection is verified eagerly so callers can fall back when the
// database is unreachable.
func NewPostgresBus(ctx context.Context, cfg Config) (*PostgresBus, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &PostgresBus{
		pool:    pool,
		channel: channel,
		local:   NewMemoryBus(),
		cancel:  cancel,
	}

	log.SafeGo("bus.listen", func() { b.listenLoop(loopCtx) })
	log.Info(log.CatBus, "distributed event bus connected", "channel", channel)
	return b, nil
}

var _ Bus = (*PostgresBus)(nil)

// Publish encodes the notification and broadcasts it via pg_notify. The
// publishing node receives its own notifications back through the listen
// loop, so local subscribers see the same stream as remote ones.
func (b *PostgresBus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	_, err = b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload))
	if err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// Subscribe returns a channel delivering notifications for the given topics.
func (b *PostgresBus) Subscribe(ctx context.Context, topics ...string) (<-chan Notification, func()) {
	return b.local.Subscribe(ctx, topics...)
}

// listenLoop holds a dedicated connection in LISTEN mode and feeds
// received notifications into the local bus. On connection loss it
// reconnects with a short delay; notifications sent while disconnected
// are lost, which subscribers tolerate by re-reading the store.
func (b *PostgresBus) listenLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.listen(ctx); err != nil && ctx.Err() == nil {
			log.ErrorErr(log.CatBus, "listen connection lost, reconnecting", err, "channel", b.channel)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *PostgresBus) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	// The channel name comes from config; quote it as an identifier.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listening on %s: %w", b.channel, err)
	}

	for {
		notice, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}

		var n Notification
		if err := json.Unmarshal([]byte(notice.Payload), &n); err != nil {
			log.ErrorErr(log.CatBus, "dropping malformed notification", err, "payload", notice.Payload)
			continue
		}
		_ = b.local.Publish(ctx, n)
	}
}

// Close stops the listen loop and releases the pool. Idempotent.
func (b *PostgresBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.pool.Close()
		_ = b.local.Close()
	})
	return nil
}
