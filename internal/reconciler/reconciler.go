// Package reconciler turns commerce transaction events into receipt
// submissions and decides when a transaction may be finalized.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/dedup"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/metrics"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

// retainedTerminalPhases bounds how many finalized or failed transactions
// keep reporting their phase.
const retainedTerminalPhases = 256

// ErrClosed is returned for transactions that arrive after Close.
var ErrClosed = errors.New("reconciler closed")

// Completion receives the outcome of a purchase.
type Completion func(result domain.PurchaseResult)

// ProductResolver is the subset of the product cache the reconciler needs.
type ProductResolver interface {
	Product(ctx context.Context, id string) (domain.Product, error)
	CacheProduct(p domain.Product)
}

type Config struct {
	// FinishTransactions is false when the host app finalizes transactions.
	FinishTransactions bool
	ObserverMode       bool
	Environment        cache.Environment
	// AllowSharingStoreAccount lets a store account move its purchases
	// between owners on every post, not only on restore.
	AllowSharingStoreAccount bool
}

type Dependencies struct {
	Backend  ports.Backend
	Receipts ports.ReceiptFetcher
	Finisher ports.TransactionFinisher
	Products ProductResolver
	Cache    *devicecache.Cache
	// AppUserID returns the owner receipts are posted for.
	AppUserID func() string
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Reconciler struct {
	cfg       Config
	backend   ports.Backend
	receipts  ports.ReceiptFetcher
	finisher  ports.TransactionFinisher
	products  ProductResolver
	cache     *devicecache.Cache
	appUserID func() string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu                 sync.Mutex
	completions        map[string][]Completion
	presentedOfferings map[string]string
	phases             map[string]domain.Phase
	terminal           []string
	closed             bool

	// inflight counts submissions, which outlive the caller's context.
	inflight    sync.WaitGroup
	submissions dedup.Group[domain.PurchaseResult]
}

func New(cfg Config, deps Dependencies) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:                cfg,
		backend:            deps.Backend,
		receipts:           deps.Receipts,
		finisher:           deps.Finisher,
		products:           deps.Products,
		cache:              deps.Cache,
		appUserID:          deps.AppUserID,
		logger:             logger,
		metrics:            deps.Metrics,
		completions:        make(map[string][]Completion),
		presentedOfferings: make(map[string]string),
		phases:             make(map[string]domain.Phase),
	}
}

// BeginPurchase registers completion for the product. first reports whether
// no other purchase of the product was pending, in which case the caller
// enqueues the payment.
func (r *Reconciler) BeginPurchase(ctx context.Context, product domain.Product, presentedOfferingID string, completion Completion) (first bool, err error) {
	if product.Identifier == "" {
		return false, domain.NewValidationError("product identifier is required")
	}

	r.mu.Lock()
	r.completions[product.Identifier] = append(r.completions[product.Identifier], completion)
	first = len(r.completions[product.Identifier]) == 1
	if presentedOfferingID != "" {
		r.presentedOfferings[product.Identifier] = presentedOfferingID
	}
	r.mu.Unlock()

	r.products.CacheProduct(product)

	// A refresh racing the purchase would overwrite the state it returns.
	if err := r.cache.SetSubscriberStateTimestampToNow(ctx, r.appUserID()); err != nil {
		r.logger.WarnContext(ctx, "failed to mark subscriber state fresh", "error", err)
	}
	return first, nil
}

// AbandonPurchase completes every pending caller for the product with err,
// for payments the commerce layer refused to enqueue.
func (r *Reconciler) AbandonPurchase(productID string, err error) {
	r.popPresentedOffering(productID)
	r.complete(productID, domain.PurchaseResult{Err: err})
}

// Phase returns the reconciliation phase of a transaction.
func (r *Reconciler) Phase(transactionID string) (domain.Phase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phase, ok := r.phases[transactionID]
	return phase, ok
}

func (r *Reconciler) advance(ctx context.Context, transactionID string, to domain.Phase) {
	if transactionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.phases[transactionID]
	if from == to {
		return
	}
	if !domain.CanTransition(from, to) {
		r.logger.DebugContext(ctx, "ignoring phase change", "transaction_id", transactionID, "from", from, "to", to)
		return
	}
	r.phases[transactionID] = to

	if to.IsTerminal() {
		r.terminal = append(r.terminal, transactionID)
		if len(r.terminal) > retainedTerminalPhases {
			oldest := r.terminal[0]
			r.terminal = r.terminal[1:]
			if r.phases[oldest].IsTerminal() {
				delete(r.phases, oldest)
			}
		}
	}
}

// Run handles events until ctx is done or events is closed. Purchased and
// restored transactions are submitted concurrently.
func (r *Reconciler) Run(ctx context.Context, events <-chan domain.Transaction) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-events:
			if !ok {
				return
			}
			if tx.State != domain.TransactionPurchased && tx.State != domain.TransactionRestored {
				_, _ = r.HandleTransaction(ctx, tx)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = r.HandleTransaction(ctx, tx)
			}()
		}
	}
}

// HandleTransaction reacts to one lifecycle event. Concurrent events for
// the same transaction id share one submission.
func (r *Reconciler) HandleTransaction(ctx context.Context, tx domain.Transaction) (domain.PurchaseResult, error) {
	if err := tx.Validate(); err != nil {
		r.logger.WarnContext(ctx, "ignoring invalid transaction", "error", err)
		return domain.PurchaseResult{}, err
	}

	switch tx.State {
	case domain.TransactionPurchasing:
		r.advance(ctx, tx.TransactionID, domain.PhasePurchasing)
		return domain.PurchaseResult{Transaction: &tx}, nil

	case domain.TransactionPurchased, domain.TransactionRestored:
		r.advance(ctx, tx.TransactionID, domain.PhaseFor(tx.State))
		result, _, err := r.submissions.Do(ctx, tx.TransactionID, func(ctx context.Context) (domain.PurchaseResult, error) {
			if !r.track() {
				outcome := domain.PurchaseResult{Transaction: &tx, Err: ErrClosed}
				r.complete(tx.ProductID, outcome)
				return outcome, nil
			}
			defer r.inflight.Done()
			return r.submit(ctx, tx), nil
		})
		if err != nil {
			return domain.PurchaseResult{}, err
		}
		return result, result.Err

	case domain.TransactionFailed:
		return r.handleFailed(ctx, tx)

	default:
		return r.handleDeferred(ctx, tx)
	}
}

// track registers a submission unless the reconciler is closed.
func (r *Reconciler) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Close rejects further submissions and waits for the ones in flight,
// including those whose callers already gave up. Call it once Run has
// returned and before the stores it writes to are closed.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.inflight.Wait()
}

func (r *Reconciler) submit(ctx context.Context, tx domain.Transaction) domain.PurchaseResult {
	appUserID := r.appUserID()
	logger := r.logger.With("transaction_id", tx.TransactionID, "product_id", tx.ProductID, "app_user_id", appUserID)

	posted, err := r.cache.IsTransactionPosted(ctx, tx.TransactionID)
	if err != nil {
		logger.WarnContext(ctx, "failed to read posted transactions", "error", err)
	}
	if posted {
		return r.completePosted(ctx, tx, appUserID)
	}

	r.advance(ctx, tx.TransactionID, domain.PhaseSubmitting)

	policy := ports.ReceiptRefreshOnlyIfEmpty
	if r.cfg.Environment == cache.Sandbox {
		policy = ports.ReceiptRefreshAlways
	}
	receipt, err := r.receipts.ReceiptData(ctx, policy)
	if err != nil || len(receipt) == 0 {
		missing := domain.NewMissingReceiptError(err)
		logger.WarnContext(ctx, "leaving transaction unfinished", "error", missing)
		return r.fail(ctx, tx, domain.ReceiptResult{}, missing)
	}

	var info *domain.ProductInfo
	if product, err := r.products.Product(ctx, tx.ProductID); err != nil {
		logger.WarnContext(ctx, "posting receipt without product metadata", "error", err)
	} else {
		productInfo := product.Info()
		info = &productInfo
	}

	attributes, err := r.cache.UnsyncedAttributes(ctx, appUserID)
	if err != nil {
		logger.WarnContext(ctx, "posting receipt without subscriber attributes", "error", err)
		attributes = nil
	}

	result, err := r.backend.PostReceipt(ctx, domain.ReceiptSubmission{
		AppUserID:                   appUserID,
		Receipt:                     receipt,
		IsRestore:                   tx.State == domain.TransactionRestored || r.cfg.AllowSharingStoreAccount,
		ObserverMode:                r.cfg.ObserverMode,
		ProductInfo:                 info,
		PresentedOfferingIdentifier: r.popPresentedOffering(tx.ProductID),
		Attributes:                  attributes,
	})
	if result.AttributesSynced {
		r.markSynced(ctx, appUserID, attributes)
	}
	if err != nil {
		return r.fail(ctx, tx, result, err)
	}

	if err := r.cache.SavePostedTransaction(ctx, tx.TransactionID); err != nil {
		logger.ErrorContext(ctx, "failed to record posted transaction", "error", err)
	}
	if err := r.cache.CacheSubscriberState(ctx, appUserID, result.SubscriberState); err != nil {
		logger.WarnContext(ctx, "failed to cache subscriber state", "error", err)
	}

	outcome := domain.PurchaseResult{Transaction: &tx, SubscriberState: result.SubscriberState}
	r.complete(tx.ProductID, outcome)
	r.finalize(ctx, tx, "success")
	r.advance(ctx, tx.TransactionID, domain.PhaseFinalized)
	return outcome
}

// completePosted answers a redelivered transaction whose receipt the backend
// already accepted.
func (r *Reconciler) completePosted(ctx context.Context, tx domain.Transaction, appUserID string) domain.PurchaseResult {
	r.logger.InfoContext(ctx, "transaction already posted", "transaction_id", tx.TransactionID)
	r.popPresentedOffering(tx.ProductID)
	r.finalize(ctx, tx, "already_posted")
	r.advance(ctx, tx.TransactionID, domain.PhaseFinalized)

	outcome := domain.PurchaseResult{Transaction: &tx}
	state, err := r.cache.CachedSubscriberState(ctx, appUserID)
	if err == nil && state == nil {
		state, err = r.backend.GetSubscriberState(ctx, appUserID)
	}
	outcome.SubscriberState = state
	outcome.Err = err

	r.complete(tx.ProductID, outcome)
	return outcome
}

// fail completes the purchase with err. Only finishable failures are
// finalized; anything else stays pending so the commerce layer redelivers it.
func (r *Reconciler) fail(ctx context.Context, tx domain.Transaction, result domain.ReceiptResult, err error) domain.PurchaseResult {
	outcome := domain.PurchaseResult{Transaction: &tx, Err: err}
	r.complete(tx.ProductID, outcome)

	if !result.Finishable {
		r.logger.WarnContext(ctx, "receipt post failed, transaction left pending",
			"transaction_id", tx.TransactionID, "status_code", domain.StatusCodeOf(err), "error", err)
		r.advance(ctx, tx.TransactionID, domain.PhaseRetryableFailed)
		return outcome
	}

	if saveErr := r.cache.SavePostedTransaction(ctx, tx.TransactionID); saveErr != nil {
		r.logger.ErrorContext(ctx, "failed to record posted transaction", "transaction_id", tx.TransactionID, "error", saveErr)
	}
	r.finalize(ctx, tx, "finishable_error")
	r.advance(ctx, tx.TransactionID, domain.PhaseFinalized)
	return outcome
}

func (r *Reconciler) handleFailed(ctx context.Context, tx domain.Transaction) (domain.PurchaseResult, error) {
	var err error
	if tx.UserCancelled {
		err = domain.ErrUserCancelled
	} else {
		err = domain.NewPurchaseError(tx.Err)
	}

	r.advance(ctx, tx.TransactionID, domain.PhaseFailed)
	r.popPresentedOffering(tx.ProductID)

	outcome := domain.PurchaseResult{Transaction: &tx, UserCancelled: tx.UserCancelled, Err: err}
	r.complete(tx.ProductID, outcome)
	r.finalize(ctx, tx, "failed")
	return outcome, err
}

func (r *Reconciler) handleDeferred(ctx context.Context, tx domain.Transaction) (domain.PurchaseResult, error) {
	r.advance(ctx, tx.TransactionID, domain.PhaseDeferred)

	outcome := domain.PurchaseResult{Transaction: &tx, Err: domain.ErrPaymentDeferred}
	r.complete(tx.ProductID, outcome)
	return outcome, domain.ErrPaymentDeferred
}

// SyncPurchases posts the current receipt without a transaction. Restore
// forces a receipt refresh.
func (r *Reconciler) SyncPurchases(ctx context.Context, isRestore bool) (*domain.SubscriberState, error) {
	appUserID := r.appUserID()

	policy := ports.ReceiptRefreshNever
	if isRestore {
		policy = ports.ReceiptRefreshAlways
		if !r.cfg.AllowSharingStoreAccount {
			r.logger.WarnContext(ctx, "restoring purchases may transfer them from another app user id; enable store account sharing to silence this")
		}
	}
	receipt, err := r.receipts.ReceiptData(ctx, policy)
	if err != nil {
		return nil, domain.NewMissingReceiptError(err)
	}
	if len(receipt) == 0 {
		return nil, domain.ErrMissingReceipt
	}

	attributes, err := r.cache.UnsyncedAttributes(ctx, appUserID)
	if err != nil {
		r.logger.WarnContext(ctx, "syncing purchases without subscriber attributes", "error", err)
		attributes = nil
	}

	result, err := r.backend.PostReceipt(ctx, domain.ReceiptSubmission{
		AppUserID:    appUserID,
		Receipt:      receipt,
		IsRestore:    isRestore || r.cfg.AllowSharingStoreAccount,
		ObserverMode: r.cfg.ObserverMode,
		Attributes:   attributes,
	})
	if result.AttributesSynced {
		r.markSynced(ctx, appUserID, attributes)
	}
	if err != nil {
		return nil, fmt.Errorf("post receipt: %w", err)
	}

	if err := r.cache.CacheSubscriberState(ctx, appUserID, result.SubscriberState); err != nil {
		r.logger.WarnContext(ctx, "failed to cache subscriber state", "error", err)
	}
	return result.SubscriberState, nil
}

func (r *Reconciler) markSynced(ctx context.Context, appUserID string, attributes map[string]domain.SubscriberAttribute) {
	if len(attributes) == 0 {
		return
	}
	if err := r.cache.MarkAttributesSynced(ctx, appUserID, attributes); err != nil {
		r.logger.WarnContext(ctx, "failed to mark attributes synced", "app_user_id", appUserID, "error", err)
	}
}

func (r *Reconciler) popPresentedOffering(productID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	offering := r.presentedOfferings[productID]
	delete(r.presentedOfferings, productID)
	return offering
}

// complete delivers the outcome to every caller waiting on the product.
func (r *Reconciler) complete(productID string, outcome domain.PurchaseResult) {
	r.mu.Lock()
	completions := r.completions[productID]
	delete(r.completions, productID)
	r.mu.Unlock()

	for _, completion := range completions {
		completion(outcome)
	}
}

func (r *Reconciler) finalize(ctx context.Context, tx domain.Transaction, reason string) {
	if !r.cfg.FinishTransactions {
		return
	}
	if err := r.finisher.Finish(ctx, tx); err != nil {
		r.logger.ErrorContext(ctx, "failed to finish transaction", "transaction_id", tx.TransactionID, "reason", reason, "error", err)
		return
	}
	r.metrics.RecordTransactionFinished(ctx, reason)
	r.logger.InfoContext(ctx, "transaction finished", "transaction_id", tx.TransactionID, "reason", reason)
}

// IsPending reports whether callers are waiting on a purchase of the product.
func (r *Reconciler) IsPending(productID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions[productID]) > 0
}
