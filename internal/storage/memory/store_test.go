package memory_test

import (
	"testing"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/storage/memory"
	"github.com/dejobratic/purchasesync/internal/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.KeyValueStore {
		return memory.NewStore()
	})
}
