package cache

import (
	"sync"
	"time"
)

// InMemoryCache holds a single value and the time it was last written.
// Value and timestamp share one lock so readers never see a torn pair.
type InMemoryCache[T any] struct {
	mu          sync.RWMutex
	value       T
	hasValue    bool
	lastUpdated time.Time
	now         func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New[T any](opts ...Option) *InMemoryCache[T] {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return &InMemoryCache[T]{now: o.now}
}

// Cache stores value and stamps it with the current time.
func (c *InMemoryCache[T]) Cache(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.hasValue = true
	c.lastUpdated = c.now()
}

// CachedValue returns the stored value regardless of staleness.
func (c *InMemoryCache[T]) CachedValue() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.hasValue
}

// IsStale reports true when nothing was stamped or the stamp is at least d old.
func (c *InMemoryCache[T]) IsStale(d time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastUpdated.IsZero() {
		return true
	}
	return c.now().Sub(c.lastUpdated) >= d
}

// ClearTimestamp forces the next staleness check to report stale while
// keeping the last known value.
func (c *InMemoryCache[T]) ClearTimestamp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdated = time.Time{}
}

// UpdateTimestamp restamps the current value.
func (c *InMemoryCache[T]) UpdateTimestamp(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdated = t
}

func (c *InMemoryCache[T]) LastUpdated() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated, !c.lastUpdated.IsZero()
}

// Clear discards both value and timestamp.
func (c *InMemoryCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.hasValue = false
	c.lastUpdated = time.Time{}
}
