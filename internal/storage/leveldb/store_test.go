package leveldb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/storage/leveldb"
	"github.com/dejobratic/purchasesync/internal/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.KeyValueStore {
		store, err := leveldb.OpenInMemory()
		if err != nil {
			t.Fatalf("OpenInMemory() failed: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ldb")

	store, err := leveldb.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.Put(ctx, "purchasesync.app_user_id", []byte(`"user-1"`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := leveldb.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Get(ctx, "purchasesync.app_user_id")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry == nil || string(entry.Value) != `"user-1"` {
		t.Fatalf("expected persisted value, got %+v", entry)
	}
	if entry.UpdatedAt.IsZero() {
		t.Error("expected write time to survive reopen")
	}
}
