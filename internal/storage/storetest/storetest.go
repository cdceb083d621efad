// Package storetest holds the behaviour every ports.KeyValueStore adapter must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

// Run exercises store against the shared contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.KeyValueStore) {
	t.Helper()

	t.Run("get missing key returns nil", func(t *testing.T) {
		store := newStore(t)

		entry, err := store.Get(context.Background(), "missing")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if entry != nil {
			t.Errorf("expected nil entry, got %+v", entry)
		}
	})

	t.Run("put then get returns value and write time", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.Put(ctx, "k", []byte(`{"a":1}`)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}

		entry, err := store.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if entry == nil {
			t.Fatal("expected entry, got nil")
		}
		if string(entry.Value) != `{"a":1}` {
			t.Errorf("expected value %s, got %s", `{"a":1}`, entry.Value)
		}
		if entry.UpdatedAt.IsZero() {
			t.Error("expected write time to be recorded")
		}
	})

	t.Run("put overwrites existing value", func(t *testing.T) {
		store := newStore(t)

		mustPut(t, store, "k", "first")
		mustPut(t, store, "k", "second")

		if got := mustGet(t, store, "k"); got != "second" {
			t.Errorf("expected second, got %q", got)
		}
	})

	t.Run("delete removes key and tolerates missing keys", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		mustPut(t, store, "k", "v")
		if err := store.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if err := store.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete() of missing key failed: %v", err)
		}

		entry, err := store.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if entry != nil {
			t.Errorf("expected key to be gone, got %+v", entry)
		}
	})

	t.Run("update inserts into an existing set", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		mustPut(t, store, "set", `["a","b"]`)

		err := store.Update(ctx, "set", func(current []byte, exists bool) ([]byte, error) {
			set := []string{}
			if exists {
				if err := json.Unmarshal(current, &set); err != nil {
					return nil, err
				}
			}
			set = append(set, "x")
			return json.Marshal(set)
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}

		var got []string
		if err := json.Unmarshal([]byte(mustGet(t, store, "set")), &got); err != nil {
			t.Fatalf("decode set: %v", err)
		}
		sort.Strings(got)
		if fmt.Sprint(got) != "[a b x]" {
			t.Errorf("expected [a b x], got %v", got)
		}
	})

	t.Run("update reports missing key to mutate", func(t *testing.T) {
		store := newStore(t)

		var sawExists bool
		err := store.Update(context.Background(), "new", func(current []byte, exists bool) ([]byte, error) {
			sawExists = exists
			return []byte("created"), nil
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
		if sawExists {
			t.Error("expected exists to be false for a new key")
		}
		if got := mustGet(t, store, "new"); got != "created" {
			t.Errorf("expected created, got %q", got)
		}
	})

	t.Run("update returning nil deletes the key", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustPut(t, store, "k", "v")

		err := store.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, nil })
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}

		entry, err := store.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if entry != nil {
			t.Errorf("expected key to be deleted, got %+v", entry)
		}
	})

	t.Run("update error leaves value untouched", func(t *testing.T) {
		store := newStore(t)
		mustPut(t, store, "k", "v")
		boom := errors.New("boom")

		err := store.Update(context.Background(), "k", func([]byte, bool) ([]byte, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if got := mustGet(t, store, "k"); got != "v" {
			t.Errorf("expected v, got %q", got)
		}
	})

	t.Run("concurrent updates are not lost", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const writers = 20

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.Update(ctx, "counter", func(current []byte, exists bool) ([]byte, error) {
					n := 0
					if exists {
						parsed, err := strconv.Atoi(string(current))
						if err != nil {
							return nil, err
						}
						n = parsed
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Fatalf("Update() failed: %v", err)
			}
		}
		if got := mustGet(t, store, "counter"); got != strconv.Itoa(writers) {
			t.Errorf("expected %d, got %s", writers, got)
		}
	})

	t.Run("list returns entries under prefix in key order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		mustPut(t, store, "validator.b", "2")
		mustPut(t, store, "validator.a", "1")
		mustPut(t, store, "other", "3")

		entries, err := store.List(ctx, "validator.")
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].Key != "validator.a" || entries[1].Key != "validator.b" {
			t.Errorf("unexpected order: %s, %s", entries[0].Key, entries[1].Key)
		}
		if string(entries[0].Value) != "1" {
			t.Errorf("expected value 1, got %s", entries[0].Value)
		}
	})
}

func mustPut(t *testing.T, store ports.KeyValueStore, key, value string) {
	t.Helper()
	if err := store.Put(context.Background(), key, []byte(value)); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func mustGet(t *testing.T, store ports.KeyValueStore, key string) string {
	t.Helper()
	entry, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if entry == nil {
		t.Fatalf("expected entry for %q, got nil", key)
	}
	return string(entry.Value)
}
