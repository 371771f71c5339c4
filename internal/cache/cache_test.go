package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryManager_SetGet(t *testing.T) {
	c := NewInMemoryManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	require.False(t, ok)

	c.Set(ctx, "answer", 42, time.Minute)
	got, ok := c.Get(ctx, "answer")
	require.True(t, ok)
	require.Equal(t, 42, got)
}

func TestInMemoryManager_Expiration(t *testing.T) {
	c := NewInMemoryManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "ephemeral", "value", 20*time.Millisecond)
	_, ok := c.Get(ctx, "ephemeral")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(ctx, "ephemeral")
	require.False(t, ok, "entry should expire after its TTL")
}

func TestInMemoryManager_DeleteAndFlush(t *testing.T) {
	c := NewInMemoryManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	c.Set(ctx, "c", 3, time.Minute)

	c.Delete(ctx, "a", "b")
	_, ok := c.Get(ctx, "a")
	require.False(t, ok)
	_, ok = c.Get(ctx, "c")
	require.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, "c")
	require.False(t, ok)
}

func TestReadThrough_LoadsOnceUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(_ context.Context, projectID string) (int, error) {
		calls++
		return calls, nil
	}

	rt := NewReadThrough(
		NewInMemoryManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval),
		loader, false)

	got, err := rt.Get(ctx, "project-a", "project-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, got)

	// Second read is served from cache.
	got, err = rt.Get(ctx, "project-a", "project-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, got)
	require.Equal(t, 1, calls)

	rt.Invalidate(ctx, "project-a")
	got, err = rt.Get(ctx, "project-a", "project-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, got)
}

func TestReadThrough_ErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	calls := 0
	wantErr := errors.New("store unavailable")
	loader := func(_ context.Context, _ string) (int, error) {
		calls++
		if calls == 1 {
			return 0, wantErr
		}
		return 7, nil
	}

	rt := NewReadThrough(
		NewInMemoryManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval),
		loader, false)

	_, err := rt.Get(ctx, "k", "k", time.Minute)
	require.ErrorIs(t, err, wantErr)

	got, err := rt.Get(ctx, "k", "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 7, got, "error result should not have been cached")
}

func TestReadThrough_SkipCache(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(_ context.Context, _ string) (int, error) {
		calls++
		return calls, nil
	}

	rt := NewReadThrough(
		NewInMemoryManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval),
		loader, true)

	for i := 1; i <= 3; i++ {
		got, err := rt.Get(ctx, "k", "k", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, got, "every read should hit the loader when caching is skipped")
	}
}
