package products

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
)

type mockFetcher struct {
	productsFunc func(ctx context.Context, ids []string) ([]domain.Product, error)
}

func (m *mockFetcher) Products(ctx context.Context, ids []string) ([]domain.Product, error) {
	return m.productsFunc(ctx, ids)
}

func catalog(ids []string) []domain.Product {
	var products []domain.Product
	for _, id := range ids {
		if id == "unknown" {
			continue
		}
		products = append(products, domain.Product{Identifier: id, Price: "1.99", CurrencyCode: "USD"})
	}
	return products
}

func identifiers(products []domain.Product) []string {
	var ids []string
	for _, p := range products {
		ids = append(ids, p.Identifier)
	}
	sort.Strings(ids)
	return ids
}

func TestProducts(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects empty identifiers", func(t *testing.T) {
		c := NewCache(&mockFetcher{})
		if _, err := c.Products(ctx, nil); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("fetches only missing identifiers", func(t *testing.T) {
		var requested [][]string
		c := NewCache(&mockFetcher{productsFunc: func(_ context.Context, ids []string) ([]domain.Product, error) {
			requested = append(requested, append([]string(nil), ids...))
			return catalog(ids), nil
		}})
		c.CacheProduct(domain.Product{Identifier: "cached"})

		products, err := c.Products(ctx, []string{"cached", "b", "a", "unknown"})
		if err != nil {
			t.Fatalf("Products() failed: %v", err)
		}

		if got := identifiers(products); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "cached" {
			t.Errorf("unexpected products %v", got)
		}
		if len(requested) != 1 || len(requested[0]) != 3 || requested[0][0] != "a" {
			t.Errorf("expected sorted missing ids to be fetched once, got %v", requested)
		}

		if _, err := c.Products(ctx, []string{"a", "b"}); err != nil {
			t.Fatal(err)
		}
		if len(requested) != 1 {
			t.Errorf("expected cached ids to skip the fetcher, got %d fetches", len(requested))
		}
	})

	t.Run("concurrent requests for the same set fetch once", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		c := NewCache(&mockFetcher{productsFunc: func(_ context.Context, ids []string) ([]domain.Product, error) {
			calls.Add(1)
			<-release
			return catalog(ids), nil
		}})

		var wg sync.WaitGroup
		for _, order := range [][]string{{"a", "b"}, {"b", "a"}, {"a", "b"}} {
			wg.Add(1)
			go func(ids []string) {
				defer wg.Done()
				if _, err := c.Products(ctx, ids); err != nil {
					t.Errorf("Products() failed: %v", err)
				}
			}(order)
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		if got := calls.Load(); got != 1 {
			t.Errorf("expected 1 fetch, got %d", got)
		}
	})

	t.Run("fetch errors are returned", func(t *testing.T) {
		fetchErr := errors.New("store unavailable")
		c := NewCache(&mockFetcher{productsFunc: func(context.Context, []string) ([]domain.Product, error) {
			return nil, fetchErr
		}})

		if _, err := c.Products(ctx, []string{"a"}); !errors.Is(err, fetchErr) {
			t.Fatalf("expected fetch error, got %v", err)
		}
	})

	t.Run("single product lookup reports not found", func(t *testing.T) {
		c := NewCache(&mockFetcher{productsFunc: func(_ context.Context, ids []string) ([]domain.Product, error) {
			return catalog(ids), nil
		}})

		if _, err := c.Product(ctx, "unknown"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		p, err := c.Product(ctx, "a")
		if err != nil || p.Identifier != "a" {
			t.Errorf("unexpected product %+v, %v", p, err)
		}
	})

	t.Run("clear drops cached descriptors", func(t *testing.T) {
		var calls atomic.Int32
		c := NewCache(&mockFetcher{productsFunc: func(_ context.Context, ids []string) ([]domain.Product, error) {
			calls.Add(1)
			return catalog(ids), nil
		}})

		_, _ = c.Products(ctx, []string{"a"})
		c.Clear()
		_, _ = c.Products(ctx, []string{"a"})

		if got := calls.Load(); got != 2 {
			t.Errorf("expected refetch after Clear, got %d fetches", got)
		}
	})
}
