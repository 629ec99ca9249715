// Package lookupcache provides TTL read-through caching for the global spam
// lookup tables (keywords, whitelists, blocked countries, worry words).
//
// The tables live in the database and change rarely; every routing pass
// consults several of them. Each table is cached in process and reloaded at
// most once per TTL, with singleflight collapsing concurrent reloads so a
// burst of deliveries after expiry does not stampede the database. On reload
// failure the stale value is served, because a spam check with slightly old
// tables beats failing the whole route.
package lookupcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/pkg/metrics"
)

// LoadFunc fetches the current table contents from the backing store.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Table is a cached lookup table. The zero value is not usable; construct
// with NewTable.
type Table[T any] struct {
	name string
	ttl  time.Duration
	load LoadFunc[T]

	mu       sync.RWMutex
	value    T
	loadedAt time.Time
	loaded   bool

	sf singleflight.Group
}

// NewTable creates a cached table with the given TTL.
func NewTable[T any](name string, ttl time.Duration, load LoadFunc[T]) *Table[T] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Table[T]{
		name: name,
		ttl:  ttl,
		load: load,
	}
}

// Get returns the cached table contents, reloading when the TTL has expired.
// If a reload fails and a previous value exists, the stale value is returned
// with no error.
func (t *Table[T]) Get(ctx context.Context) (T, error) {
	t.mu.RLock()
	if t.loaded && time.Since(t.loadedAt) < t.ttl {
		v := t.value
		t.mu.RUnlock()
		metrics.LookupCacheHits.WithLabelValues(t.name).Inc()
		return v, nil
	}
	t.mu.RUnlock()

	metrics.LookupCacheMisses.WithLabelValues(t.name).Inc()

	v, err, _ := t.sf.Do(t.name, func() (any, error) {
		// Re-check after winning the flight; another goroutine may have
		// refreshed while we waited.
		t.mu.RLock()
		if t.loaded && time.Since(t.loadedAt) < t.ttl {
			v := t.value
			t.mu.RUnlock()
			return v, nil
		}
		t.mu.RUnlock()

		fresh, err := t.load(ctx)
		if err != nil {
			t.mu.RLock()
			defer t.mu.RUnlock()
			if t.loaded {
				logger.Warn("lookup table reload failed, serving stale data",
					"table", t.name, "age", time.Since(t.loadedAt), "error", err)
				return t.value, nil
			}
			return nil, err
		}

		t.mu.Lock()
		t.value = fresh
		t.loadedAt = time.Now()
		t.loaded = true
		t.mu.Unlock()

		return fresh, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops the cached value so the next Get reloads.
func (t *Table[T]) Invalidate() {
	t.mu.Lock()
	t.loaded = false
	t.mu.Unlock()
}
