package ports

import (
	"context"
	"time"
)

// Entry is a stored value with the time of its last write.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// MutateFunc computes the next value for a key from its current value.
// Returning a nil slice deletes the key.
type MutateFunc func(current []byte, exists bool) ([]byte, error)

// KeyValueStore is the durable storage behind every device-local cache.
// Get returns nil when the key is absent.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update runs mutate and writes its result under one critical section
	// with respect to every other writer of the same key.
	Update(ctx context.Context, key string, mutate MutateFunc) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}
