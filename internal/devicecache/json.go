package devicecache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dejobratic/purchasesync/internal/cachekey"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

// UpdateJSON atomically decodes the value stored under key (or the zero T),
// lets mutate change it in place and writes it back. Returning keep=false
// deletes the key.
func UpdateJSON[T any](ctx context.Context, store ports.KeyValueStore, key cachekey.Key, mutate func(value *T) (keep bool, err error)) error {
	err := store.Update(ctx, key.String(), func(current []byte, exists bool) ([]byte, error) {
		var value T
		if exists && len(current) > 0 {
			if err := json.Unmarshal(current, &value); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}

		keep, err := mutate(&value)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}

		return json.Marshal(value)
	})
	if err != nil {
		return domain.NewStoreError("update "+key.String(), err)
	}
	return nil
}

// ReadJSON decodes the value stored under key. The bool is false when the key
// is absent.
func ReadJSON[T any](ctx context.Context, store ports.KeyValueStore, key cachekey.Key) (T, bool, error) {
	var value T

	entry, err := store.Get(ctx, key.String())
	if err != nil {
		return value, false, domain.NewStoreError("read "+key.String(), err)
	}
	if entry == nil {
		return value, false, nil
	}

	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return value, false, domain.NewDecodeError(fmt.Errorf("decode %s: %w", key, err))
	}
	return value, true, nil
}

// WriteJSON replaces the value stored under key.
func WriteJSON(ctx context.Context, store ports.KeyValueStore, key cachekey.Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key.String(), data); err != nil {
		return domain.NewStoreError("write "+key.String(), err)
	}
	return nil
}

func deleteKey(ctx context.Context, store ports.KeyValueStore, key cachekey.Key) error {
	if err := store.Delete(ctx, key.String()); err != nil {
		return domain.NewStoreError("delete "+key.String(), err)
	}
	return nil
}
