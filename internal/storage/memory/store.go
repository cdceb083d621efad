package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

// Store keeps entries in process memory. It is the default for tests and
// for hosts that do not need state to survive a restart.
type Store struct {
	mu    sync.RWMutex
	items map[string]ports.Entry
	now   func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{items: make(map[string]ports.Entry), now: time.Now}
}

// Get returns a copy of the entry stored under key, or nil.
func (s *Store) Get(_ context.Context, key string) (*ports.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return &entry, nil
}

// Put stores or overwrites the value for key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Update applies mutate while holding the write lock.
func (s *Store) Update(_ context.Context, key string, mutate ports.MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	entry, exists := s.items[key]
	if exists {
		current = append([]byte(nil), entry.Value...)
	}

	next, err := mutate(current, exists)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.items, key)
		return nil
	}
	s.put(key, next)
	return nil
}

// List returns entries whose key starts with prefix, ordered by key.
func (s *Store) List(_ context.Context, prefix string) ([]ports.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []ports.Entry
	for key, entry := range s.items {
		if strings.HasPrefix(key, prefix) {
			entry.Value = append([]byte(nil), entry.Value...)
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *Store) put(key string, value []byte) {
	s.items[key] = ports.Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: s.now().UTC(),
	}
}
