// Package memo is an in-memory read-through cache in front of the record
// repositories.
//
// Each slot remembers the data of its last load, when it was loaded and the
// limit it was loaded with. A slot is reused while it is younger than the TTL
// and was loaded with at least the requested limit. Writes invalidate the
// slots they affect.
package memo

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/health-cache/telemetry"
)

// DefaultTTL is how long a loaded slot stays usable.
const DefaultTTL = 30 * time.Second

type listEntry[T any] struct {
	data      []T
	timestamp time.Time
	limit     int
}

// ListCache caches one list that is loaded with a limit. A limit of zero or
// less means the whole list.
type ListCache[T any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	entry *listEntry[T]
	gen   uint64
}

// NewListCache creates an empty list slot called name.
func NewListCache[T any](name string, ttl time.Duration, now func() time.Time) *ListCache[T] {
	if now == nil {
		now = time.Now
	}
	return &ListCache[T]{name: name, ttl: ttl, now: now}
}

// Get returns up to limit items, from the slot when it is fresh and covers
// limit, otherwise from load, which replaces the slot.
func (c *ListCache[T]) Get(ctx context.Context, limit int, load func(ctx context.Context, limit int) ([]T, error)) ([]T, error) {
	c.mu.Lock()
	e, gen := c.entry, c.gen
	if e != nil && c.now().Sub(e.timestamp) < c.ttl && covers(e.limit, limit) {
		c.mu.Unlock()
		telemetry.RecordMemoLookup(ctx, c.name, true)
		return truncate(e.data, limit), nil
	}
	c.mu.Unlock()
	telemetry.RecordMemoLookup(ctx, c.name, false)

	data, err := load(ctx, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// An invalidation during the load makes this result stale.
	if c.gen == gen {
		c.entry = &listEntry[T]{data: data, timestamp: c.now(), limit: limit}
	}
	c.mu.Unlock()
	return slices.Clone(data), nil
}

// Invalidate empties the slot.
func (c *ListCache[T]) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.gen++
	c.mu.Unlock()
}

func covers(have, want int) bool {
	if have <= 0 {
		return true
	}
	return want > 0 && have >= want
}

func truncate[T any](data []T, limit int) []T {
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return slices.Clone(data)
}

type valueEntry[T any] struct {
	data      T
	timestamp time.Time
}

// ValueCache caches a single value.
type ValueCache[T any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	entry *valueEntry[T]
	gen   uint64
}

// NewValueCache creates an empty value slot called name.
func NewValueCache[T any](name string, ttl time.Duration, now func() time.Time) *ValueCache[T] {
	if now == nil {
		now = time.Now
	}
	return &ValueCache[T]{name: name, ttl: ttl, now: now}
}

// Get returns the slot's value while it is fresh, otherwise the result of load.
func (c *ValueCache[T]) Get(ctx context.Context, load func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	e, gen := c.entry, c.gen
	if e != nil && c.now().Sub(e.timestamp) < c.ttl {
		c.mu.Unlock()
		telemetry.RecordMemoLookup(ctx, c.name, true)
		return e.data, nil
	}
	c.mu.Unlock()
	telemetry.RecordMemoLookup(ctx, c.name, false)

	data, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.entry = &valueEntry[T]{data: data, timestamp: c.now()}
	}
	c.mu.Unlock()
	return data, nil
}

// Invalidate empties the slot.
func (c *ValueCache[T]) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.gen++
	c.mu.Unlock()
}
