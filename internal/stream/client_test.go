package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock records requested backoff delays and fires timers instantly.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeClock) newTimer(d time.Duration) timer {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return fakeTimer{ch}
}

func (f *fakeClock) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

type fakeTimer struct{ ch chan time.Time }

func (t fakeTimer) C() <-chan time.Time { return t.ch }
func (t fakeTimer) Stop() bool          { return true }

func TestClient_ExhaustedRetries_ExactlyOneTerminalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var terminalCount atomic.Int32
	terminal := make(chan error, 4)
	clock := &fakeClock{}

	c := NewClient(Config{
		Endpoint:    server.URL,
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 4,
		OnTerminalError: func(err error) {
			terminalCount.Add(1)
			terminal <- err
		},
	})
	c.newTimer = clock.newTimer
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))

	select {
	case err := <-terminal:
		require.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(3 * time.Second):
		t.Fatal("terminal error never fired")
	}

	require.Equal(t, StateClosed, c.State())

	// Exponential backoff between the four attempts: base, base*2, base*4.
	require.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
	}, clock.recorded())

	// No further attempts and no second terminal error.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), terminalCount.Load())
	require.Len(t, clock.recorded(), 3)
}

func TestClient_ResumesWithLastEventID(t *testing.T) {
	var requests atomic.Int32
	gotCursor := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")

		switch n {
		case 1:
			require.Empty(t, r.URL.Query().Get("lastEventId"), "first connect has no resumption token")
			fmt.Fprint(w, "event: task.started\nid: evt-41\ndata: {}\n\n")
			fmt.Fprint(w, "event: task.progress\nid: evt-42\ndata: {}\n\n")
			flusher.Flush()
			// Drop the connection to force a reconnect.
		default:
			gotCursor <- r.URL.Query().Get("lastEventId")
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			<-r.Context().Done()
		}
	}))
	defer server.Close()

	clock := &fakeClock{}
	c := NewClient(Config{
		Endpoint:    server.URL,
		MaxAttempts: 10,
	})
	c.newTimer = clock.newTimer
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))

	select {
	case cursor := <-gotCursor:
		require.Equal(t, "evt-42", cursor, "reconnect resumes from the last processed event id")
	case <-time.After(3 * time.Second):
		t.Fatal("client never reconnected")
	}
	require.Equal(t, "evt-42", c.Cursor())
}

func TestClient_MalformedPayloadKeepsConnection(t *testing.T) {
	connected := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: task.completed\nid: 1\ndata: {not json\n\n")
		fmt.Fprint(w, "event: task.progress\nid: 2\ndata: {}\n\n")
		flusher.Flush()
		close(connected)
		<-r.Context().Done()
	}))
	defer server.Close()

	var mu sync.Mutex
	var handled []Event
	c := NewClient(Config{
		Endpoint: server.URL,
		Handler: HandlerFunc(func(_ context.Context, e Event) error {
			mu.Lock()
			handled = append(handled, e)
			mu.Unlock()
			if e.ID == "1" {
				return fmt.Errorf("malformed payload")
			}
			return nil
		}),
	})
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, 2*time.Second, 10*time.Millisecond, "the event after the malformed one still arrives")
	require.Equal(t, StateConnected, c.State(), "handler errors do not drop the connection")
	require.Equal(t, "2", c.Cursor())
}

func TestClient_EventsDispatchedInWireOrder(t *testing.T) {
	const total = 20
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < total; i++ {
			fmt.Fprintf(w, "event: task.progress\nid: %d\ndata: {}\n\n", i)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	var mu sync.Mutex
	var order []string
	c := NewClient(Config{
		Endpoint: server.URL,
		Handler: HandlerFunc(func(_ context.Context, e Event) error {
			mu.Lock()
			order = append(order, e.ID)
			mu.Unlock()
			return nil
		}),
	})
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == total
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		require.Equal(t, fmt.Sprint(i), id, "wire order must be preserved")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": heartbeat\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, c.Start(context.Background()))

	c.Close()
	c.Close()
	require.Equal(t, StateClosed, c.State())

	// A closed client cannot be restarted.
	require.Error(t, c.Start(context.Background()))
}

func TestClient_CloseCancelsPendingReconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	// Real timer with a long delay: Close must not wait it out.
	c := NewClient(Config{
		Endpoint:    server.URL,
		BaseDelay:   time.Hour,
		MaxAttempts: 5,
	})
	require.NoError(t, c.Start(context.Background()))
	time.Sleep(50 * time.Millisecond) // let the first attempt fail

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the pending reconnect timer")
	}
}

func TestClient_ReconnectCutsBackoffShort(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	// Real timer with a long delay: a Reconnect during the wait must
	// trigger the next attempt without sitting out the timer.
	c := NewClient(Config{
		Endpoint:    server.URL,
		BaseDelay:   time.Hour,
		MaxAttempts: 10,
	})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return requests.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "first attempt never reached the server")
	time.Sleep(50 * time.Millisecond) // settle into the backoff wait

	c.Reconnect()

	require.Eventually(t, func() bool {
		return requests.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "reconnect did not start a fresh attempt")
}

func TestClient_ReconnectResetsAttempts(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": heartbeat\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	clock := &fakeClock{}
	c := NewClient(Config{Endpoint: server.URL, MaxAttempts: 3})
	c.newTimer = clock.newTimer
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	c.Reconnect()

	require.Eventually(t, func() bool {
		return requests.Load() >= 2 && c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "a fresh connection follows the forced reconnect")
}
