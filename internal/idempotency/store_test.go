package idempotency_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dejobratic/purchasesync/internal/idempotency"
	"github.com/dejobratic/purchasesync/internal/storage/memory"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil for unknown key", func(t *testing.T) {
		store := idempotency.NewStore(memory.NewStore())

		resp, err := store.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if resp != nil {
			t.Errorf("expected nil response, got %+v", resp)
		}
	})

	t.Run("saves and returns response", func(t *testing.T) {
		store := idempotency.NewStore(memory.NewStore())
		want := idempotency.StoredResponse{
			StatusCode:    200,
			Body:          json.RawMessage(`{"ok":true}`),
			TransactionID: "tx-1",
		}

		if err := store.Save(ctx, "key-1", want); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}

		got, err := store.Get(ctx, "key-1")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got == nil || got.StatusCode != 200 || got.TransactionID != "tx-1" || string(got.Body) != `{"ok":true}` {
			t.Errorf("unexpected response %+v", got)
		}
	})

	t.Run("first saved response wins", func(t *testing.T) {
		store := idempotency.NewStore(memory.NewStore())

		_ = store.Save(ctx, "key-1", idempotency.StoredResponse{StatusCode: 200, Body: json.RawMessage(`{"first":true}`)})
		_ = store.Save(ctx, "key-1", idempotency.StoredResponse{StatusCode: 402, Body: json.RawMessage(`{"second":true}`)})

		got, _ := store.Get(ctx, "key-1")
		if got.StatusCode != 200 || string(got.Body) != `{"first":true}` {
			t.Errorf("expected first response, got %+v", got)
		}
	})
}
