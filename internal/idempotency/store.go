// Package idempotency stores local API responses so requests retried with
// the same Idempotency-Key replay the first outcome.
package idempotency

import (
	"context"
	"encoding/json"

	"github.com/dejobratic/purchasesync/internal/cachekey"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

// StoredResponse contains the response data to replay for a reused key.
type StoredResponse struct {
	StatusCode    int             `json:"status_code"`
	Body          json.RawMessage `json:"body"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

type Store struct {
	store ports.KeyValueStore
}

func NewStore(store ports.KeyValueStore) *Store {
	return &Store{store: store}
}

// Get returns the stored response for key, or nil when none exists.
func (s *Store) Get(ctx context.Context, key string) (*StoredResponse, error) {
	resp, ok, err := devicecache.ReadJSON[StoredResponse](ctx, s.store, cachekey.IdempotentResponse{Key: key})
	if err != nil || !ok {
		return nil, err
	}
	return &resp, nil
}

// Save stores the response unless one is already stored for key.
func (s *Store) Save(ctx context.Context, key string, response StoredResponse) error {
	return devicecache.UpdateJSON(ctx, s.store, cachekey.IdempotentResponse{Key: key}, func(current *StoredResponse) (bool, error) {
		if current.StatusCode != 0 {
			return true, nil
		}
		*current = response
		return true, nil
	})
}
