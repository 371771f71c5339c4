// Package stream maintains a long-lived one-way event feed from the
// external execution engine and feeds received progress events back into
// the orchestration service.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tendril-app/tendril/internal/log"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no live connection; a reconnect may be pending.
	StateDisconnected State = iota
	// StateConnecting means a connection attempt is in flight.
	StateConnecting
	// StateConnected means events are flowing.
	StateConnected
	// StateClosed is permanent: explicit Close or exhausted retries.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is the terminal error after the configured maximum
// number of consecutive connection failures.
var ErrRetriesExhausted = errors.New("stream: reconnect attempts exhausted")

// Default reconnection policy.
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxAttempts = 5
)

// Config configures a Client.
type Config struct {
	// Endpoint is the engine's stream URL for one workflow execution.
	Endpoint string

	// BaseDelay is the first reconnect delay; each further attempt
	// multiplies it by Multiplier.
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Handler receives each event in wire order.
	Handler Handler

	// OnTerminalError fires exactly once when retries are exhausted.
	OnTerminalError func(error)
}

// Handler processes one decoded event. Implementations must be idempotent
// under re-delivery: reconnection plus imperfect server-side replay can
// resend an already-processed event.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// timer abstracts time.Timer so backoff is testable without real sleeps.
type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ *time.Timer }

func (t realTimer) C() <-chan time.Time { return t.Timer.C }

func newRealTimer(d time.Duration) timer { return realTimer{time.NewTimer(d)} }

// Client consumes the engine's server-sent event stream, resuming from
// the last processed event identifier across reconnects.
type Client struct {
	cfg        Config
	httpClient *http.Client
	newTimer   func(time.Duration) timer

	mu       sync.Mutex
	state    State
	cursor   string // last processed event id, sent as lastEventId on reconnect
	attempts int
	cancel   context.CancelFunc
	body     func() // closes the live response body, nil when disconnected
	done     chan struct{}
	kick     chan struct{} // cuts a pending backoff wait short

	terminalOnce sync.Once
}

// NewClient creates a Client. Start must be called to begin streaming.
func NewClient(cfg Config) *Client {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		newTimer:   newRealTimer,
		state:      StateDisconnected,
		kick:       make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the last processed event identifier.
func (c *Client) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Start begins streaming. It returns immediately; the connection loop
// runs until Close, context cancellation, or exhausted retries.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("stream: client is closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("stream: client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	log.SafeGo("stream.run", func() {
		defer close(done)
		c.run(runCtx)
	})
	return nil
}

// Close permanently stops the client: it cancels any pending reconnect
// timer, releases the transport, and transitions to Closed. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	cancel := c.cancel
	closeBody := c.body
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closeBody != nil {
		closeBody()
	}
	if done != nil {
		<-done
	}
	log.Info(log.CatStream, "stream client closed", "endpoint", c.cfg.Endpoint)
}

// Reconnect forces an immediate close-and-restart of the current
// connection and resets the attempt counter. Used after prolonged idle
// periods or an explicit user retry.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	closeBody := c.body
	c.mu.Unlock()

	// With a live connection, dropping the transport makes the run loop
	// cycle back to connect with the zeroed attempt counter. During a
	// backoff wait there is no transport to drop; the kick channel cuts
	// the pending delay short instead.
	if closeBody != nil {
		closeBody()
	} else {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	log.Info(log.CatStream, "stream reconnect requested", "endpoint", c.cfg.Endpoint)
}

// run is the connection loop: connect, consume, back off, retry.
func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil || c.State() == StateClosed {
			return
		}

		c.setState(StateConnecting)
		err := c.connectAndConsume(ctx)
		if ctx.Err() != nil || c.State() == StateClosed {
			return
		}

		c.mu.Lock()
		if err != nil && c.state != StateConnected {
			// The attempt never produced a live connection.
			c.attempts++
		} else {
			// Connection was established and later dropped; the next
			// attempt starts a fresh failure count and backoff sequence.
			c.attempts = 0
		}
		attempts := c.attempts
		c.state = StateDisconnected
		c.mu.Unlock()

		if err != nil {
			log.ErrorErr(log.CatStream, "stream connection lost", err, "endpoint", c.cfg.Endpoint, "attempt", attempts)
		}

		if attempts >= c.cfg.MaxAttempts {
			c.terminate()
			return
		}

		delay := backoffDelay(c.cfg.BaseDelay, c.cfg.Multiplier, attempts)
		if !c.wait(ctx, delay) {
			return
		}
	}
}

// connectAndConsume opens the stream and dispatches events until the
// connection drops. Returns nil on a clean server-side end of stream.
func (c *Client) connectAndConsume(ctx context.Context) error {
	endpoint, err := c.resumeURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("connecting: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		resp.Body.Close()
		return nil
	}
	c.state = StateConnected
	c.body = func() { resp.Body.Close() }
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.body = nil
		c.mu.Unlock()
		resp.Body.Close()
	}()

	log.Info(log.CatStream, "stream connected", "endpoint", c.cfg.Endpoint, "cursor", c.Cursor())

	return readEvents(resp.Body, func(event Event) error {
		return c.dispatch(ctx, event)
	})
}

// dispatch advances the cursor and hands the event to the handler, in
// wire order. A handler error is reported but does not close the
// connection; only transport errors do.
func (c *Client) dispatch(ctx context.Context, event Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if event.ID != "" {
		c.mu.Lock()
		c.cursor = event.ID
		c.mu.Unlock()
	}

	if c.cfg.Handler == nil {
		return nil
	}
	if err := c.cfg.Handler.HandleEvent(ctx, event); err != nil {
		log.ErrorErr(log.CatStream, "event handler failed, stream stays up", err, "eventType", event.Type, "eventID", event.ID)
	}
	return nil
}

// resumeURL appends the lastEventId query parameter when a cursor is
// known, so a resumption-capable server replays from there.
func (c *Client) resumeURL() (string, error) {
	cursor := c.Cursor()
	if cursor == "" {
		return c.cfg.Endpoint, nil
	}
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("lastEventId", cursor)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wait sleeps for the backoff delay, abandoning the wait on shutdown. A
// Reconnect call during the wait ends it early so the next attempt starts
// right away.
func (c *Client) wait(ctx context.Context, delay time.Duration) bool {
	t := c.newTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.kick:
		return true
	case <-t.C():
		return true
	}
}

// terminate is the exhausted-retries exit: exactly one terminal error,
// state Closed, no further attempts.
func (c *Client) terminate() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.terminalOnce.Do(func() {
		err := fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, c.cfg.MaxAttempts, c.cfg.Endpoint)
		log.ErrorErr(log.CatStream, "stream permanently closed", err)
		if c.cfg.OnTerminalError != nil {
			c.cfg.OnTerminalError(err)
		}
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// backoffDelay is base * multiplier^(attempt-1).
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}
