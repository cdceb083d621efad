// Package devicecache persists the device's view of subscriber state,
// offerings, attributes and posted transactions.
package devicecache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/cachekey"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

type Cache struct {
	store  ports.KeyValueStore
	logger *slog.Logger
	now    func() time.Time

	mu               sync.Mutex
	subscriberStates map[string]*cache.InMemoryCache[*domain.SubscriberState]
	offerings        *cache.InMemoryCache[*domain.Offerings]

	migrateOnce sync.Once
	migrateErr  error
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Open wraps store and merges attributes written in the legacy per-owner
// layout into the grouped map.
func Open(ctx context.Context, store ports.KeyValueStore, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:            store,
		logger:           slog.Default(),
		now:              time.Now,
		subscriberStates: make(map[string]*cache.InMemoryCache[*domain.SubscriberState]),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.offerings = cache.New[*domain.Offerings](cache.WithClock(c.now))

	if err := c.migrateLegacyAttributes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Store exposes the underlying store to components that keep their own
// namespaces in it.
func (c *Cache) Store() ports.KeyValueStore {
	return c.store
}

// CachedAppUserID returns the persisted owner id, falling back to the id
// written by older releases. It returns "" when neither exists.
func (c *Cache) CachedAppUserID(ctx context.Context) (string, error) {
	id, ok, err := ReadJSON[string](ctx, c.store, cachekey.AppUserID{})
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	legacy, ok, err := ReadJSON[string](ctx, c.store, cachekey.LegacyAppUserID{})
	if err != nil || !ok {
		return "", err
	}
	return legacy, nil
}

func (c *Cache) CacheAppUserID(ctx context.Context, appUserID string) error {
	return WriteJSON(ctx, c.store, cachekey.AppUserID{}, appUserID)
}

// ClearCaches switches the active owner. The old owner's subscriber state
// and the offerings are dropped, and its attributes are removed only when
// all of them were synced.
func (c *Cache) ClearCaches(ctx context.Context, oldAppUserID, newAppUserID string) error {
	if err := deleteKey(ctx, c.store, cachekey.LegacyAppUserID{}); err != nil {
		return err
	}
	if err := c.ClearSubscriberState(ctx, oldAppUserID); err != nil {
		return err
	}
	if err := c.ClearOfferings(ctx); err != nil {
		return err
	}
	if err := c.DeleteAttributesIfSynced(ctx, oldAppUserID); err != nil {
		return err
	}
	return c.CacheAppUserID(ctx, newAppUserID)
}

// stateEntry returns the owner's in-memory entry. A new entry is seeded with
// the durable timestamp before it is published.
func (c *Cache) stateEntry(ctx context.Context, appUserID string) (*cache.InMemoryCache[*domain.SubscriberState], error) {
	c.mu.Lock()
	entry, ok := c.subscriberStates[appUserID]
	c.mu.Unlock()
	if ok {
		return entry, nil
	}

	updated, hasUpdated, err := ReadJSON[time.Time](ctx, c.store, cachekey.SubscriberStateUpdated{Owner: appUserID})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.subscriberStates[appUserID]; ok {
		return existing, nil
	}
	entry = cache.New[*domain.SubscriberState](cache.WithClock(c.now))
	if hasUpdated {
		entry.UpdateTimestamp(updated)
	}
	c.subscriberStates[appUserID] = entry
	return entry, nil
}

// CachedSubscriberState returns the last state cached for the owner, or nil.
func (c *Cache) CachedSubscriberState(ctx context.Context, appUserID string) (*domain.SubscriberState, error) {
	entry, err := c.stateEntry(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	if state, ok := entry.CachedValue(); ok {
		return state, nil
	}

	raw, err := c.store.Get(ctx, cachekey.SubscriberState{Owner: appUserID}.String())
	if err != nil {
		return nil, domain.NewStoreError("read subscriber state", err)
	}
	if raw == nil {
		return nil, nil
	}

	state, err := domain.ParseSubscriberState(raw.Value)
	if err != nil {
		c.logger.WarnContext(ctx, "discarding unreadable cached subscriber state", "app_user_id", appUserID, "error", err)
		return nil, nil
	}
	return state, nil
}

// CacheSubscriberState stores the state and marks it fresh.
func (c *Cache) CacheSubscriberState(ctx context.Context, appUserID string, state *domain.SubscriberState) error {
	if err := WriteJSON(ctx, c.store, cachekey.SubscriberState{Owner: appUserID}, state); err != nil {
		return err
	}

	entry, err := c.stateEntry(ctx, appUserID)
	if err != nil {
		return err
	}
	entry.Cache(state)
	return WriteJSON(ctx, c.store, cachekey.SubscriberStateUpdated{Owner: appUserID}, c.now())
}

func (c *Cache) IsSubscriberStateStale(ctx context.Context, appUserID string, window time.Duration) (bool, error) {
	entry, err := c.stateEntry(ctx, appUserID)
	if err != nil {
		return true, err
	}
	return entry.IsStale(window), nil
}

// SetSubscriberStateTimestampToNow marks the state fresh without a new
// value, so concurrent refreshes skip the network.
func (c *Cache) SetSubscriberStateTimestampToNow(ctx context.Context, appUserID string) error {
	entry, err := c.stateEntry(ctx, appUserID)
	if err != nil {
		return err
	}
	now := c.now()
	entry.UpdateTimestamp(now)
	return WriteJSON(ctx, c.store, cachekey.SubscriberStateUpdated{Owner: appUserID}, now)
}

// ClearSubscriberStateTimestamp makes the next staleness check report stale
// while keeping the cached value.
func (c *Cache) ClearSubscriberStateTimestamp(ctx context.Context, appUserID string) error {
	entry, err := c.stateEntry(ctx, appUserID)
	if err != nil {
		return err
	}
	entry.ClearTimestamp()
	return deleteKey(ctx, c.store, cachekey.SubscriberStateUpdated{Owner: appUserID})
}

func (c *Cache) ClearSubscriberState(ctx context.Context, appUserID string) error {
	c.mu.Lock()
	delete(c.subscriberStates, appUserID)
	c.mu.Unlock()

	if err := deleteKey(ctx, c.store, cachekey.SubscriberState{Owner: appUserID}); err != nil {
		return err
	}
	return deleteKey(ctx, c.store, cachekey.SubscriberStateUpdated{Owner: appUserID})
}

// CachedOfferings returns the offerings held in memory.
func (c *Cache) CachedOfferings() (*domain.Offerings, bool) {
	return c.offerings.CachedValue()
}

// DurableOfferings returns the offerings persisted by an earlier run, or nil.
func (c *Cache) DurableOfferings(ctx context.Context) (*domain.Offerings, error) {
	offerings, ok, err := ReadJSON[*domain.Offerings](ctx, c.store, cachekey.Offerings{})
	if err != nil || !ok {
		return nil, err
	}
	return offerings, nil
}

func (c *Cache) CacheOfferings(ctx context.Context, offerings *domain.Offerings) error {
	c.offerings.Cache(offerings)
	return WriteJSON(ctx, c.store, cachekey.Offerings{}, offerings)
}

// CacheOfferingsInMemory restores durable offerings without marking them fresh.
func (c *Cache) CacheOfferingsInMemory(offerings *domain.Offerings) {
	c.offerings.Cache(offerings)
	c.offerings.ClearTimestamp()
}

func (c *Cache) IsOfferingsStale(window time.Duration) bool {
	return c.offerings.IsStale(window)
}

func (c *Cache) SetOfferingsTimestampToNow() {
	c.offerings.UpdateTimestamp(c.now())
}

func (c *Cache) ClearOfferingsTimestamp() {
	c.offerings.ClearTimestamp()
}

func (c *Cache) ClearOfferings(ctx context.Context) error {
	c.offerings.Clear()
	return deleteKey(ctx, c.store, cachekey.Offerings{})
}

// IsTransactionPosted reports whether a receipt for the transaction was
// already accepted by the backend.
func (c *Cache) IsTransactionPosted(ctx context.Context, transactionID string) (bool, error) {
	posted, _, err := ReadJSON[[]string](ctx, c.store, cachekey.PostedTransactions{})
	if err != nil {
		return false, err
	}
	for _, id := range posted {
		if id == transactionID {
			return true, nil
		}
	}
	return false, nil
}

// SavePostedTransaction adds the id to the posted set.
func (c *Cache) SavePostedTransaction(ctx context.Context, transactionID string) error {
	return UpdateJSON(ctx, c.store, cachekey.PostedTransactions{}, func(posted *[]string) (bool, error) {
		for _, id := range *posted {
			if id == transactionID {
				return true, nil
			}
		}
		*posted = append(*posted, transactionID)
		return true, nil
	})
}

func (c *Cache) PostedTransactions(ctx context.Context) ([]string, error) {
	posted, _, err := ReadJSON[[]string](ctx, c.store, cachekey.PostedTransactions{})
	return posted, err
}

func (c *Cache) CachedProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
	mapping, ok, err := ReadJSON[*domain.ProductEntitlementMapping](ctx, c.store, cachekey.ProductEntitlementMapping{})
	if err != nil || !ok {
		return nil, err
	}
	return mapping, nil
}

func (c *Cache) CacheProductEntitlementMapping(ctx context.Context, mapping *domain.ProductEntitlementMapping) error {
	if err := WriteJSON(ctx, c.store, cachekey.ProductEntitlementMapping{}, mapping); err != nil {
		return err
	}
	return WriteJSON(ctx, c.store, cachekey.ProductEntitlementMappingUpdated{}, c.now())
}

func (c *Cache) IsProductEntitlementMappingStale(ctx context.Context, window time.Duration) (bool, error) {
	updated, ok, err := ReadJSON[time.Time](ctx, c.store, cachekey.ProductEntitlementMappingUpdated{})
	if err != nil || !ok {
		return true, err
	}
	return c.now().Sub(updated) >= window, nil
}
