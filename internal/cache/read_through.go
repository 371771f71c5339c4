package cache

import (
	"context"
	"time"
)

// ReadThrough wraps a loader function with a cache. Misses fall through to
// the loader and populate the cache; loader errors are never cached.
type ReadThrough[K ~string, V any, I any] struct {
	cache     Manager[K, V]
	fn        func(ctx context.Context, input I) (V, error)
	skipCache bool
}

// NewReadThrough builds a read-through cache over fn. skipCache disables
// caching entirely, which is useful in tests.
func NewReadThrough[K ~string, V any, I any](
	cache Manager[K, V],
	fn func(ctx context.Context, input I) (V, error),
	skipCache bool,
) *ReadThrough[K, V, I] {
	return &ReadThrough[K, V, I]{
		cache:     cache,
		fn:        fn,
		skipCache: skipCache,
	}
}

// Get returns the cached value for key, or loads and caches it with the
// given TTL.
func (r *ReadThrough[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skipCache {
		return r.fn(ctx, input)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.fn(ctx, input)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}

// Invalidate drops the cached entries for the given keys so the next Get
// reloads them.
func (r *ReadThrough[K, V, I]) Invalidate(ctx context.Context, keys ...K) {
	if r.skipCache {
		return
	}
	r.cache.Delete(ctx, keys...)
}
