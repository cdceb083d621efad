// Package products caches product descriptors fetched from the commerce layer.
package products

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dejobratic/purchasesync/internal/dedup"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	gocache "github.com/patrickmn/go-cache"
)

// Descriptors rarely change during a session, so entries live until
// cleared unless an expiration is configured.
const defaultCleanupInterval = 10 * time.Minute

type Cache struct {
	fetcher  ports.ProductFetcher
	items    *gocache.Cache
	inflight dedup.Group[[]domain.Product]
	logger   *slog.Logger
}

type Option func(*options)

type options struct {
	expiration time.Duration
	logger     *slog.Logger
}

// WithExpiration evicts descriptors after d. Zero keeps them until Clear.
func WithExpiration(d time.Duration) Option {
	return func(o *options) {
		o.expiration = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func NewCache(fetcher ports.ProductFetcher, opts ...Option) *Cache {
	o := &options{expiration: gocache.NoExpiration, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	return &Cache{
		fetcher: fetcher,
		items:   gocache.New(o.expiration, defaultCleanupInterval),
		logger:  o.logger,
	}
}

// Products returns descriptors for ids. Cached descriptors are served
// locally and the rest are fetched once, even across concurrent callers
// asking for the same missing set. Unknown ids are omitted.
func (c *Cache) Products(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, domain.NewValidationError("product identifiers are required")
	}

	var (
		found   []domain.Product
		missing []string
		seen    = make(map[string]struct{}, len(ids))
	)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if cached, ok := c.items.Get(id); ok {
			found = append(found, cached.(domain.Product))
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return found, nil
	}

	sort.Strings(missing)
	key := strings.Join(missing, "\x00")

	fetched, _, err := c.inflight.Do(ctx, key, func(ctx context.Context) ([]domain.Product, error) {
		c.logger.DebugContext(ctx, "fetching products", "product_ids", missing)
		products, err := c.fetcher.Products(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("fetch products: %w", err)
		}
		for _, p := range products {
			c.items.Set(p.Identifier, p, gocache.DefaultExpiration)
		}
		return products, nil
	})
	if err != nil {
		return nil, err
	}

	return append(found, fetched...), nil
}

// Product returns one descriptor, or ErrNotFound.
func (c *Cache) Product(ctx context.Context, id string) (domain.Product, error) {
	products, err := c.Products(ctx, []string{id})
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if p.Identifier == id {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("product %q: %w", id, domain.ErrNotFound)
}

// CacheProduct stores a descriptor the caller already holds.
func (c *Cache) CacheProduct(p domain.Product) {
	c.items.Set(p.Identifier, p, gocache.DefaultExpiration)
}

func (c *Cache) Clear() {
	c.items.Flush()
}
