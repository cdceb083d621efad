package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/metrics"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/reconciler"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const anonymousPrefix = "$Anonymous:"

// FetchPolicy selects how subscriber state is read.
type FetchPolicy int

const (
	// CachedOrFetched serves the cache and refreshes stale values in the background.
	CachedOrFetched FetchPolicy = iota
	FromCacheOnly
	FetchCurrent
	// NotStaleCachedOrFetched serves the cache only while it is fresh.
	NotStaleCachedOrFetched
)

func (p FetchPolicy) String() string {
	switch p {
	case FromCacheOnly:
		return "from_cache_only"
	case FetchCurrent:
		return "fetch_current"
	case NotStaleCachedOrFetched:
		return "not_stale_cached_or_fetched"
	default:
		return "cached_or_fetched"
	}
}

// ParseFetchPolicy maps a policy name; the empty name is CachedOrFetched.
func ParseFetchPolicy(name string) (FetchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cached_or_fetched":
		return CachedOrFetched, nil
	case "from_cache_only":
		return FromCacheOnly, nil
	case "fetch_current":
		return FetchCurrent, nil
	case "not_stale_cached_or_fetched":
		return NotStaleCachedOrFetched, nil
	default:
		return CachedOrFetched, domain.NewValidationError("unknown fetch policy: " + name)
	}
}

type Config struct {
	Environment              cache.Environment
	AppUserID                string
	ObserverMode             bool
	FinishTransactions       bool
	AllowSharingStoreAccount bool
	// MappingStaleness is how long the product entitlement mapping stays fresh.
	MappingStaleness time.Duration
}

// ProductCatalog resolves and caches product descriptors.
type ProductCatalog interface {
	Products(ctx context.Context, ids []string) ([]domain.Product, error)
	Product(ctx context.Context, id string) (domain.Product, error)
	CacheProduct(p domain.Product)
	Clear()
}

type Dependencies struct {
	Backend  ports.Backend
	Cache    *devicecache.Cache
	Products ProductCatalog
	Receipts ports.ReceiptFetcher
	Payments ports.PaymentQueue
	Finisher ports.TransactionFinisher
	AppState ports.AppStateProvider
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Service is the entry point for purchases, subscriber state and
// attributes of the active owner.
type Service struct {
	cfg        Config
	backend    ports.Backend
	cache      *devicecache.Cache
	products   ProductCatalog
	receipts   ports.ReceiptFetcher
	payments   ports.PaymentQueue
	appState   ports.AppStateProvider
	reconciler *reconciler.Reconciler
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	appUserID string
	switching bool

	background sync.WaitGroup
}

func NewService(cfg Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appState := deps.AppState
	if appState == nil {
		appState = NewStaticAppState(cache.Foreground)
	}
	if cfg.MappingStaleness == 0 {
		cfg.MappingStaleness = cache.BackgroundStalenessWindow
	}

	s := &Service{
		cfg:      cfg,
		backend:  deps.Backend,
		cache:    deps.Cache,
		products: deps.Products,
		receipts: deps.Receipts,
		payments: deps.Payments,
		appState: appState,
		logger:   logger,
		metrics:  deps.Metrics,
	}
	s.reconciler = reconciler.New(reconciler.Config{
		FinishTransactions: cfg.FinishTransactions,
		ObserverMode:       cfg.ObserverMode,
		Environment:        cfg.Environment,

		AllowSharingStoreAccount: cfg.AllowSharingStoreAccount,
	}, reconciler.Dependencies{
		Backend:   deps.Backend,
		Receipts:  deps.Receipts,
		Finisher:  deps.Finisher,
		Products:  deps.Products,
		Cache:     deps.Cache,
		AppUserID: s.AppUserID,
		Logger:    logger,
		Metrics:   deps.Metrics,
	})
	return s
}

// Reconciler exposes the transaction reconciler so the host can feed it
// commerce events.
func (s *Service) Reconciler() *reconciler.Reconciler {
	return s.reconciler
}

// Configure resolves the active owner: the configured id, then the cached
// id, then a new anonymous id. Attributes of other owners that are already
// synced are dropped.
func (s *Service) Configure(ctx context.Context) error {
	cached, err := s.cache.CachedAppUserID(ctx)
	if err != nil {
		return fmt.Errorf("read cached app user id: %w", err)
	}

	id := cached
	if s.cfg.AppUserID != "" {
		if id, err = domain.NormalizeAppUserID(s.cfg.AppUserID); err != nil {
			return err
		}
	}
	if id == "" {
		id = newAnonymousID()
	}

	if cached != "" && cached != id {
		err = s.cache.ClearCaches(ctx, cached, id)
	} else {
		err = s.cache.CacheAppUserID(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("cache app user id: %w", err)
	}
	if err := s.cache.CleanupAttributes(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "failed to clean up subscriber attributes", "error", err)
	}

	s.mu.Lock()
	s.appUserID = id
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "identity configured", "app_user_id", id, "anonymous", IsAnonymous(id))
	return nil
}

func newAnonymousID() string {
	return anonymousPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsAnonymous reports whether the id was generated on this device.
func IsAnonymous(appUserID string) bool {
	return strings.HasPrefix(appUserID, anonymousPrefix)
}

func (s *Service) AppUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appUserID
}

func (s *Service) owner(ownerID string) string {
	if ownerID = strings.TrimSpace(ownerID); ownerID != "" {
		return ownerID
	}
	return s.AppUserID()
}

func (s *Service) stalenessWindow() time.Duration {
	return cache.StalenessWindow(s.appState.Visibility(), s.cfg.Environment)
}

// FetchSubscriberState returns the owner's subscriber state according to
// policy. An empty ownerID selects the active owner.
func (s *Service) FetchSubscriberState(ctx context.Context, ownerID string, policy FetchPolicy) (*domain.SubscriberState, error) {
	owner := s.owner(ownerID)
	if policy == FetchCurrent {
		return s.refreshSubscriberState(ctx, owner)
	}

	cached, err := s.cache.CachedSubscriberState(ctx, owner)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read cached subscriber state", "app_user_id", owner, "error", err)
	}

	if policy == FromCacheOnly {
		if cached == nil {
			s.metrics.RecordCacheLookup(ctx, "subscriber_state", "miss")
			return nil, fmt.Errorf("subscriber state for %q: %w", owner, domain.ErrNotFound)
		}
		s.metrics.RecordCacheLookup(ctx, "subscriber_state", "hit")
		return cached, nil
	}

	if cached == nil {
		s.metrics.RecordCacheLookup(ctx, "subscriber_state", "miss")
		return s.refreshSubscriberState(ctx, owner)
	}

	stale, err := s.cache.IsSubscriberStateStale(ctx, owner, s.stalenessWindow())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read subscriber state timestamp", "app_user_id", owner, "error", err)
		stale = true
	}
	if !stale {
		s.metrics.RecordCacheLookup(ctx, "subscriber_state", "hit")
		return cached, nil
	}

	s.metrics.RecordCacheLookup(ctx, "subscriber_state", "stale")
	if policy == NotStaleCachedOrFetched {
		return s.refreshSubscriberState(ctx, owner)
	}

	s.inBackground(ctx, func(ctx context.Context) {
		if _, err := s.refreshSubscriberState(ctx, owner); err != nil {
			s.logger.WarnContext(ctx, "background subscriber state refresh failed", "app_user_id", owner, "error", err)
		}
	})
	return cached, nil
}

// refreshSubscriberState marks the cache fresh before fetching so
// concurrent readers do not start their own refresh.
func (s *Service) refreshSubscriberState(ctx context.Context, owner string) (*domain.SubscriberState, error) {
	if err := s.cache.SetSubscriberStateTimestampToNow(ctx, owner); err != nil {
		s.logger.WarnContext(ctx, "failed to mark subscriber state fresh", "app_user_id", owner, "error", err)
	}

	state, err := s.backend.GetSubscriberState(ctx, owner)
	if err != nil {
		if clearErr := s.cache.ClearSubscriberStateTimestamp(ctx, owner); clearErr != nil {
			s.logger.WarnContext(ctx, "failed to clear subscriber state timestamp", "app_user_id", owner, "error", clearErr)
		}
		return nil, err
	}

	if err := s.cache.CacheSubscriberState(ctx, owner, state); err != nil {
		s.logger.WarnContext(ctx, "failed to cache subscriber state", "app_user_id", owner, "error", err)
	}
	return state, nil
}

// FetchOfferings serves offerings from memory, then from the durable cache,
// then from the backend. Stale or restored values are refreshed in the
// background.
func (s *Service) FetchOfferings(ctx context.Context, ownerID string) (*domain.Offerings, error) {
	owner := s.owner(ownerID)

	if cached, ok := s.cache.CachedOfferings(); ok && cached != nil {
		if s.cache.IsOfferingsStale(s.stalenessWindow()) {
			s.metrics.RecordCacheLookup(ctx, "offerings", "stale")
			s.refreshOfferingsInBackground(ctx, owner)
		} else {
			s.metrics.RecordCacheLookup(ctx, "offerings", "hit")
		}
		return cached, nil
	}

	durable, err := s.cache.DurableOfferings(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read durable offerings", "error", err)
	}
	if durable != nil {
		s.metrics.RecordCacheLookup(ctx, "offerings", "stale")
		s.cache.CacheOfferingsInMemory(durable)
		s.refreshOfferingsInBackground(ctx, owner)
		return durable, nil
	}

	s.metrics.RecordCacheLookup(ctx, "offerings", "miss")
	return s.refreshOfferings(ctx, owner)
}

func (s *Service) refreshOfferingsInBackground(ctx context.Context, owner string) {
	s.inBackground(ctx, func(ctx context.Context) {
		if _, err := s.refreshOfferings(ctx, owner); err != nil {
			s.logger.WarnContext(ctx, "background offerings refresh failed", "error", err)
		}
	})
}

func (s *Service) refreshOfferings(ctx context.Context, owner string) (*domain.Offerings, error) {
	s.cache.SetOfferingsTimestampToNow()

	offerings, err := s.backend.GetOfferings(ctx, owner)
	if err != nil {
		s.cache.ClearOfferingsTimestamp()
		return nil, err
	}

	if err := s.cache.CacheOfferings(ctx, offerings); err != nil {
		s.logger.WarnContext(ctx, "failed to persist offerings", "error", err)
	}

	// Warm the product cache so purchases from an offering skip the lookup.
	if ids := offerings.ProductIdentifiers(); len(ids) > 0 {
		if _, err := s.products.Products(ctx, ids); err != nil {
			s.logger.WarnContext(ctx, "failed to prefetch offering products", "error", err)
		}
	}
	return offerings, nil
}

// inBackground runs fn detached from ctx cancellation. Close waits for it.
func (s *Service) inBackground(ctx context.Context, fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// PurchaseInput names the product to buy and the offering it was shown in.
type PurchaseInput struct {
	ProductID           string `json:"product_id"`
	PresentedOfferingID string `json:"presented_offering_id,omitempty"`
}

// Purchase enqueues a payment and waits for its reconciled outcome.
// Concurrent purchases of the same product share one payment.
func (s *Service) Purchase(ctx context.Context, input PurchaseInput) (domain.PurchaseResult, error) {
	productID := strings.TrimSpace(input.ProductID)
	if productID == "" {
		return domain.PurchaseResult{}, domain.NewValidationError("product_id is required")
	}

	product, err := s.products.Product(ctx, productID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	done := make(chan domain.PurchaseResult, 1)
	first, err := s.reconciler.BeginPurchase(ctx, product, input.PresentedOfferingID, func(result domain.PurchaseResult) {
		done <- result
	})
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	if first {
		if err := s.payments.Add(ctx, ports.Payment{ProductID: productID, Quantity: 1}); err != nil {
			err = fmt.Errorf("enqueue payment: %w", err)
			s.reconciler.AbandonPurchase(productID, err)
		}
	}

	select {
	case result := <-done:
		s.metrics.RecordPurchase(ctx, purchaseOutcome(result))
		return result, result.Err
	case <-ctx.Done():
		return domain.PurchaseResult{}, ctx.Err()
	}
}

func purchaseOutcome(result domain.PurchaseResult) string {
	switch {
	case result.Err == nil:
		return "success"
	case result.UserCancelled:
		return "cancelled"
	case errors.Is(result.Err, domain.ErrPaymentDeferred):
		return "deferred"
	default:
		return "error"
	}
}

// Restore re-posts the refreshed receipt as a restore.
func (s *Service) Restore(ctx context.Context) (*domain.SubscriberState, error) {
	return s.reconciler.SyncPurchases(ctx, true)
}

// SyncPurchases posts the current receipt without refreshing it.
func (s *Service) SyncPurchases(ctx context.Context) (*domain.SubscriberState, error) {
	return s.reconciler.SyncPurchases(ctx, false)
}

// SetAttributes stores attributes for the active owner as unsynced. Values
// are only replaced when they change.
func (s *Service) SetAttributes(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return domain.NewValidationError("attributes are required")
	}

	owner := s.AppUserID()
	now := time.Now().UTC()
	attributes := make(map[string]domain.SubscriberAttribute, len(values))
	for key, value := range values {
		if strings.TrimSpace(key) == "" {
			return domain.NewValidationError("attribute key is required")
		}
		current, err := s.cache.Attribute(ctx, owner, key)
		if err != nil {
			return err
		}
		if current != nil && current.Value == value {
			continue
		}
		attributes[key] = domain.SubscriberAttribute{Key: key, Value: value, SetAt: now}
	}
	if len(attributes) == 0 {
		return nil
	}
	return s.cache.StoreAttributes(ctx, owner, attributes)
}

// Attributes returns every attribute stored for the owner.
func (s *Service) Attributes(ctx context.Context, ownerID string) (map[string]domain.SubscriberAttribute, error) {
	return s.cache.Attributes(ctx, s.owner(ownerID))
}

// SyncAttributes posts unsynced attributes of every owner concurrently.
// Fully synced attributes of owners other than the active one are dropped.
func (s *Service) SyncAttributes(ctx context.Context) error {
	byOwner, err := s.cache.UnsyncedAttributesByOwner(ctx)
	if err != nil {
		return err
	}

	active := s.AppUserID()
	g, gctx := errgroup.WithContext(ctx)
	for owner, attributes := range byOwner {
		if len(attributes) == 0 {
			continue
		}
		g.Go(func() error {
			result, err := s.backend.PostAttributes(gctx, owner, attributes)
			if result.Synced {
				if markErr := s.cache.MarkAttributesSynced(gctx, owner, attributes); markErr != nil {
					return markErr
				}
				for _, attrErr := range result.Errors {
					s.logger.WarnContext(gctx, "subscriber attribute rejected", "app_user_id", owner, "key", attrErr.KeyName, "message", attrErr.Message)
				}
				if owner != active {
					if delErr := s.cache.DeleteAttributesIfSynced(gctx, owner); delErr != nil {
						return delErr
					}
				}
			}
			if err != nil {
				return fmt.Errorf("sync attributes for %q: %w", owner, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IntroEligibility reports per-product introductory offer eligibility.
// Products the backend could not decide are unknown.
func (s *Service) IntroEligibility(ctx context.Context, productIDs []string) (map[string]domain.IntroEligibility, error) {
	if len(productIDs) == 0 {
		return nil, domain.NewValidationError("product identifiers are required")
	}

	receipt, err := s.receipts.ReceiptData(ctx, ports.ReceiptRefreshNever)
	if err != nil {
		s.logger.WarnContext(ctx, "checking eligibility without a receipt", "error", err)
		receipt = nil
	}
	return s.backend.GetIntroEligibility(ctx, s.AppUserID(), receipt, productIDs)
}

// LogInResult carries the new owner's state and whether the backend
// created the owner.
type LogInResult struct {
	SubscriberState *domain.SubscriberState `json:"subscriber_state"`
	Created         bool                    `json:"created"`
}

// LogIn switches the active owner to newAppUserID. Unsynced attributes of an
// anonymous owner move to the new owner.
func (s *Service) LogIn(ctx context.Context, newAppUserID string) (LogInResult, error) {
	next, err := domain.NormalizeAppUserID(newAppUserID)
	if err != nil {
		return LogInResult{}, err
	}
	if IsAnonymous(next) {
		return LogInResult{}, domain.NewValidationError("cannot log in with an anonymous app user id")
	}

	current, err := s.beginSwitch()
	if err != nil {
		return LogInResult{}, err
	}
	defer s.endSwitch()

	if current == next {
		state, err := s.FetchSubscriberState(ctx, next, CachedOrFetched)
		return LogInResult{SubscriberState: state}, err
	}

	state, created, err := s.backend.LogIn(ctx, current, next)
	if err != nil {
		return LogInResult{}, err
	}

	if IsAnonymous(current) {
		if err := s.cache.CopyUnsyncedAttributes(ctx, current, next); err != nil {
			s.logger.WarnContext(ctx, "failed to move anonymous attributes", "error", err)
		}
	}
	if err := s.switchOwner(ctx, current, next); err != nil {
		return LogInResult{}, err
	}
	if err := s.cache.CacheSubscriberState(ctx, next, state); err != nil {
		s.logger.WarnContext(ctx, "failed to cache subscriber state", "app_user_id", next, "error", err)
	}

	s.logger.InfoContext(ctx, "logged in", "app_user_id", next, "created", created)
	return LogInResult{SubscriberState: state, Created: created}, nil
}

// LogOut switches to a new anonymous owner.
func (s *Service) LogOut(ctx context.Context) (*domain.SubscriberState, error) {
	current, err := s.beginSwitch()
	if err != nil {
		return nil, err
	}
	defer s.endSwitch()

	if IsAnonymous(current) {
		return nil, domain.NewValidationError("cannot log out an anonymous app user")
	}

	next := newAnonymousID()
	if err := s.switchOwner(ctx, current, next); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "logged out", "app_user_id", next)
	return s.FetchSubscriberState(ctx, next, FetchCurrent)
}

func (s *Service) beginSwitch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.switching {
		return "", domain.ErrOperationInProgress
	}
	s.switching = true
	return s.appUserID, nil
}

func (s *Service) endSwitch() {
	s.mu.Lock()
	s.switching = false
	s.mu.Unlock()
}

func (s *Service) switchOwner(ctx context.Context, current, next string) error {
	if err := s.cache.ClearCaches(ctx, current, next); err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	if err := s.backend.ClearCaches(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to clear request validators", "error", err)
	}

	s.mu.Lock()
	s.appUserID = next
	s.mu.Unlock()
	return nil
}

// ProductEntitlementMapping returns the cached mapping and refreshes it when
// stale. A stale mapping is still returned if the refresh fails.
func (s *Service) ProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
	cached, err := s.cache.CachedProductEntitlementMapping(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read product entitlement mapping", "error", err)
	}
	stale, err := s.cache.IsProductEntitlementMappingStale(ctx, s.cfg.MappingStaleness)
	if err != nil {
		stale = true
	}
	if cached != nil && !stale {
		s.metrics.RecordCacheLookup(ctx, "product_entitlement_mapping", "hit")
		return cached, nil
	}

	mapping, err := s.backend.GetProductEntitlementMapping(ctx)
	if err != nil {
		if cached != nil {
			s.metrics.RecordCacheLookup(ctx, "product_entitlement_mapping", "stale")
			s.logger.WarnContext(ctx, "serving stale product entitlement mapping", "error", err)
			return cached, nil
		}
		return nil, err
	}
	s.metrics.RecordCacheLookup(ctx, "product_entitlement_mapping", "miss")

	if err := s.cache.CacheProductEntitlementMapping(ctx, mapping); err != nil {
		s.logger.WarnContext(ctx, "failed to cache product entitlement mapping", "error", err)
	}
	return mapping, nil
}

// Close waits for in-flight receipt posts and background refreshes.
func (s *Service) Close() {
	s.reconciler.Close()
	s.background.Wait()
}
