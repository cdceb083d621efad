package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/purchases/ports/portstest"
	"github.com/dejobratic/purchasesync/internal/storage/memory"
)

const appUserID = "user"

type fakeProducts struct {
	mu       sync.Mutex
	products map[string]domain.Product
}

func (f *fakeProducts) Product(_ context.Context, id string) (domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeProducts) CacheProduct(p domain.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.products == nil {
		f.products = make(map[string]domain.Product)
	}
	f.products[p.Identifier] = p
}

type fixture struct {
	reconciler *Reconciler
	backend    *portstest.Backend
	receipts   *portstest.Receipts
	finisher   *portstest.Finisher
	products   *fakeProducts
	cache      *devicecache.Cache
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dc, err := devicecache.Open(context.Background(), memory.NewStore())
	if err != nil {
		t.Fatalf("devicecache.Open() failed: %v", err)
	}

	f := &fixture{
		backend:  &portstest.Backend{},
		receipts: &portstest.Receipts{Data: []byte("receipt")},
		finisher: &portstest.Finisher{},
		products: &fakeProducts{},
		cache:    dc,
	}
	f.reconciler = New(cfg, Dependencies{
		Backend:   f.backend,
		Receipts:  f.receipts,
		Finisher:  f.finisher,
		Products:  f.products,
		Cache:     dc,
		AppUserID: func() string { return appUserID },
	})
	return f
}

func state(originalID string) *domain.SubscriberState {
	return &domain.SubscriberState{
		RequestDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Subscriber:  domain.Subscriber{OriginalAppUserID: originalID},
	}
}

func purchased(productID, txID string) domain.Transaction {
	return domain.Transaction{ProductID: productID, TransactionID: txID, State: domain.TransactionPurchased}
}

func TestHandlePurchased(t *testing.T) {
	ctx := context.Background()

	t.Run("posts receipt with product metadata and finalizes", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var got domain.ReceiptSubmission
		f.backend.PostReceiptFunc = func(_ context.Context, s domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			got = s
			return domain.ReceiptResult{SubscriberState: state(appUserID), Finishable: true, AttributesSynced: true}, nil
		}

		var delivered domain.PurchaseResult
		product := domain.Product{Identifier: "pro_monthly", Price: "9.99", CurrencyCode: "USD"}
		first, err := f.reconciler.BeginPurchase(ctx, product, "default", func(r domain.PurchaseResult) { delivered = r })
		if err != nil || !first {
			t.Fatalf("BeginPurchase() = %v, %v", first, err)
		}

		result, err := f.reconciler.HandleTransaction(ctx, purchased("pro_monthly", "tx-1"))
		if err != nil {
			t.Fatalf("HandleTransaction() failed: %v", err)
		}
		if result.SubscriberState == nil || delivered.SubscriberState != result.SubscriberState {
			t.Error("expected completion to receive the subscriber state")
		}
		if got.ProductInfo == nil || got.ProductInfo.Price != "9.99" {
			t.Errorf("expected product info in submission, got %+v", got.ProductInfo)
		}
		if got.PresentedOfferingIdentifier != "default" {
			t.Errorf("expected presented offering, got %q", got.PresentedOfferingIdentifier)
		}
		if got.IsRestore {
			t.Error("purchase must not be posted as a restore")
		}
		if finished := f.finisher.Finished(); len(finished) != 1 || finished[0] != "tx-1" {
			t.Errorf("expected tx-1 finished, got %v", finished)
		}
		if posted, _ := f.cache.IsTransactionPosted(ctx, "tx-1"); !posted {
			t.Error("expected transaction recorded as posted")
		}
		if cached, _ := f.cache.CachedSubscriberState(ctx, appUserID); cached == nil {
			t.Error("expected subscriber state cached")
		}
		if phase, _ := f.reconciler.Phase("tx-1"); phase != domain.PhaseFinalized {
			t.Errorf("expected finalized phase, got %q", phase)
		}
	})

	t.Run("does not post an already posted transaction", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var posts atomic.Int32
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			posts.Add(1)
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		if _, err := f.reconciler.HandleTransaction(ctx, purchased("pro_monthly", "tx-1")); err != nil {
			t.Fatalf("first HandleTransaction() failed: %v", err)
		}
		result, err := f.reconciler.HandleTransaction(ctx, purchased("pro_monthly", "tx-1"))
		if err != nil {
			t.Fatalf("redelivered HandleTransaction() failed: %v", err)
		}

		if posts.Load() != 1 {
			t.Errorf("expected 1 post, got %d", posts.Load())
		}
		if result.SubscriberState == nil {
			t.Error("expected cached subscriber state for redelivered transaction")
		}
		if finished := f.finisher.Finished(); len(finished) != 2 {
			t.Errorf("expected redelivered transaction finished again, got %v", finished)
		}
	})

	t.Run("concurrent purchases of one product share a single post", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var posts atomic.Int32
		release := make(chan struct{})
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			posts.Add(1)
			<-release
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		product := domain.Product{Identifier: "pro_monthly"}
		var mu sync.Mutex
		var results []domain.PurchaseResult
		completion := func(r domain.PurchaseResult) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		}

		first, _ := f.reconciler.BeginPurchase(ctx, product, "", completion)
		second, _ := f.reconciler.BeginPurchase(ctx, product, "", completion)
		if !first || second {
			t.Fatalf("expected only the first caller to enqueue, got %v %v", first, second)
		}

		var wg sync.WaitGroup
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.reconciler.HandleTransaction(ctx, purchased("pro_monthly", "tx-1"))
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		if posts.Load() != 1 {
			t.Errorf("expected 1 post, got %d", posts.Load())
		}
		if len(results) != 2 {
			t.Fatalf("expected both callers completed, got %d", len(results))
		}
		if results[0].SubscriberState != results[1].SubscriberState {
			t.Error("expected both callers to receive the same result")
		}
		if f.reconciler.IsPending("pro_monthly") {
			t.Error("expected no pending completions")
		}
	})

	t.Run("sandbox always refreshes the receipt", func(t *testing.T) {
		f := newFixture(t, Config{Environment: cache.Sandbox})
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		_, _ = f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1"))

		if len(f.receipts.Policies) != 1 || f.receipts.Policies[0] != ports.ReceiptRefreshAlways {
			t.Errorf("expected always refresh, got %v", f.receipts.Policies)
		}
	})

	t.Run("does not finalize when the host owns finishing", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: false})
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		if _, err := f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1")); err != nil {
			t.Fatalf("HandleTransaction() failed: %v", err)
		}
		if finished := f.finisher.Finished(); len(finished) != 0 {
			t.Errorf("expected nothing finished, got %v", finished)
		}
	})
}

func TestHandlePurchasedFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		result        domain.ReceiptResult
		err           error
		wantFinished  bool
		wantPosted    bool
		wantPhase     domain.Phase
		wantAttrsSync bool
	}{
		{
			name:         "server error is left pending",
			err:          domain.NewHTTPError(503, 0, ""),
			wantFinished: false,
			wantPhase:    domain.PhaseRetryableFailed,
		},
		{
			name:         "transport error is left pending",
			err:          domain.NewTransportError(errors.New("offline")),
			wantFinished: false,
			wantPhase:    domain.PhaseRetryableFailed,
		},
		{
			name:         "not found is finishable but attributes stay pending",
			result:       domain.ReceiptResult{Finishable: true},
			err:          domain.NewHTTPError(404, 0, ""),
			wantFinished: true,
			wantPosted:   true,
			wantPhase:    domain.PhaseFinalized,
		},
		{
			name:          "client error is finishable and syncs attributes",
			result:        domain.ReceiptResult{Finishable: true, AttributesSynced: true},
			err:           domain.NewHTTPError(400, 7225, "invalid receipt"),
			wantFinished:  true,
			wantPosted:    true,
			wantPhase:     domain.PhaseFinalized,
			wantAttrsSync: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{FinishTransactions: true})
			attrs := map[string]domain.SubscriberAttribute{
				"$email": {Key: "$email", Value: "a@example.com", SetAt: time.Now()},
			}
			if err := f.cache.StoreAttributes(ctx, appUserID, attrs); err != nil {
				t.Fatalf("StoreAttributes() failed: %v", err)
			}
			f.backend.PostReceiptFunc = func(_ context.Context, s domain.ReceiptSubmission) (domain.ReceiptResult, error) {
				if len(s.Attributes) != 1 {
					t.Errorf("expected unsynced attributes posted, got %v", s.Attributes)
				}
				return tt.result, tt.err
			}

			var delivered error
			_, _ = f.reconciler.BeginPurchase(ctx, domain.Product{Identifier: "p"}, "", func(r domain.PurchaseResult) { delivered = r.Err })
			_, err := f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1"))

			if !errors.Is(err, tt.err) || !errors.Is(delivered, tt.err) {
				t.Errorf("expected %v returned and delivered, got %v / %v", tt.err, err, delivered)
			}
			if finished := len(f.finisher.Finished()) == 1; finished != tt.wantFinished {
				t.Errorf("finished = %v, want %v", finished, tt.wantFinished)
			}
			if posted, _ := f.cache.IsTransactionPosted(ctx, "tx-1"); posted != tt.wantPosted {
				t.Errorf("posted = %v, want %v", posted, tt.wantPosted)
			}
			if phase, _ := f.reconciler.Phase("tx-1"); phase != tt.wantPhase {
				t.Errorf("phase = %q, want %q", phase, tt.wantPhase)
			}
			unsynced, _ := f.cache.UnsyncedAttributes(ctx, appUserID)
			if synced := len(unsynced) == 0; synced != tt.wantAttrsSync {
				t.Errorf("attributes synced = %v, want %v", synced, tt.wantAttrsSync)
			}
		})
	}

	t.Run("missing receipt skips the post", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		f.receipts.Data = nil
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			t.Error("unexpected post")
			return domain.ReceiptResult{}, nil
		}

		_, err := f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1"))
		if !errors.Is(err, domain.ErrMissingReceipt) {
			t.Fatalf("expected ErrMissingReceipt, got %v", err)
		}
		if len(f.finisher.Finished()) != 0 {
			t.Error("expected transaction left pending")
		}
	})

	t.Run("retryable failure is posted again on redelivery", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var calls atomic.Int32
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			if calls.Add(1) == 1 {
				return domain.ReceiptResult{}, domain.NewHTTPError(500, 0, "")
			}
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		_, _ = f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1"))
		if _, err := f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1")); err != nil {
			t.Fatalf("redelivered HandleTransaction() failed: %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("expected 2 posts, got %d", calls.Load())
		}
		if phase, _ := f.reconciler.Phase("tx-1"); phase != domain.PhaseFinalized {
			t.Errorf("expected finalized phase, got %q", phase)
		}
	})
}

func TestHandleFailedAndDeferred(t *testing.T) {
	ctx := context.Background()

	t.Run("user cancellation", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var delivered domain.PurchaseResult
		_, _ = f.reconciler.BeginPurchase(ctx, domain.Product{Identifier: "p"}, "", func(r domain.PurchaseResult) { delivered = r })

		tx := domain.Transaction{ProductID: "p", TransactionID: "tx-1", State: domain.TransactionFailed, UserCancelled: true}
		_, err := f.reconciler.HandleTransaction(ctx, tx)

		if !errors.Is(err, domain.ErrUserCancelled) || !delivered.UserCancelled {
			t.Errorf("expected cancellation, got %v / %+v", err, delivered)
		}
		if len(f.finisher.Finished()) != 1 {
			t.Error("expected failed transaction finished")
		}
	})

	t.Run("commerce failure", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		cause := errors.New("card declined")
		tx := domain.Transaction{ProductID: "p", TransactionID: "tx-1", State: domain.TransactionFailed, Err: cause}

		_, err := f.reconciler.HandleTransaction(ctx, tx)
		if !errors.Is(err, domain.ErrPurchaseFailed) || !errors.Is(err, cause) {
			t.Errorf("expected purchase error wrapping cause, got %v", err)
		}
	})

	t.Run("deferred payment is not finished", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var delivered error
		_, _ = f.reconciler.BeginPurchase(ctx, domain.Product{Identifier: "p"}, "", func(r domain.PurchaseResult) { delivered = r.Err })

		tx := domain.Transaction{ProductID: "p", TransactionID: "tx-1", State: domain.TransactionDeferred}
		_, _ = f.reconciler.HandleTransaction(ctx, tx)

		if !errors.Is(delivered, domain.ErrPaymentDeferred) {
			t.Errorf("expected ErrPaymentDeferred, got %v", delivered)
		}
		if len(f.finisher.Finished()) != 0 {
			t.Error("deferred transaction must not be finished")
		}
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		f := newFixture(t, Config{})
		_, err := f.reconciler.HandleTransaction(ctx, domain.Transaction{State: "bogus"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestSyncPurchases(t *testing.T) {
	ctx := context.Background()

	t.Run("restore forces a refresh and caches the state", func(t *testing.T) {
		f := newFixture(t, Config{})
		var got domain.ReceiptSubmission
		f.backend.PostReceiptFunc = func(_ context.Context, s domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			got = s
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		st, err := f.reconciler.SyncPurchases(ctx, true)
		if err != nil {
			t.Fatalf("SyncPurchases() failed: %v", err)
		}
		if st == nil || !got.IsRestore || got.ProductInfo != nil {
			t.Errorf("unexpected restore submission %+v", got)
		}
		if f.receipts.Policies[0] != ports.ReceiptRefreshAlways {
			t.Errorf("expected always refresh, got %v", f.receipts.Policies)
		}
		if cached, _ := f.cache.CachedSubscriberState(ctx, appUserID); cached == nil {
			t.Error("expected subscriber state cached")
		}
	})

	t.Run("sync never refreshes and requires a receipt", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.receipts.Data = nil

		_, err := f.reconciler.SyncPurchases(ctx, false)
		if !errors.Is(err, domain.ErrMissingReceipt) {
			t.Fatalf("expected ErrMissingReceipt, got %v", err)
		}
		if f.receipts.Policies[0] != ports.ReceiptRefreshNever {
			t.Errorf("expected never refresh, got %v", f.receipts.Policies)
		}
	})

	t.Run("sharing store account posts every sync as a restore", func(t *testing.T) {
		f := newFixture(t, Config{AllowSharingStoreAccount: true})
		var got domain.ReceiptSubmission
		f.backend.PostReceiptFunc = func(_ context.Context, s domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			got = s
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		if _, err := f.reconciler.SyncPurchases(ctx, false); err != nil {
			t.Fatalf("SyncPurchases() failed: %v", err)
		}
		if !got.IsRestore {
			t.Error("expected restore flag when sharing is allowed")
		}
		if f.receipts.Policies[0] != ports.ReceiptRefreshNever {
			t.Errorf("expected never refresh, got %v", f.receipts.Policies)
		}
	})
}

func TestRun(t *testing.T) {
	f := newFixture(t, Config{FinishTransactions: true})
	f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
		return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
	}

	events := make(chan domain.Transaction, 3)
	events <- domain.Transaction{ProductID: "p", TransactionID: "tx-1", State: domain.TransactionPurchasing}
	events <- purchased("p", "tx-1")
	events <- purchased("q", "tx-2")
	close(events)

	f.reconciler.Run(context.Background(), events)

	if finished := f.finisher.Finished(); len(finished) != 2 {
		t.Errorf("expected both transactions finished, got %v", finished)
	}
}

func TestClose(t *testing.T) {
	t.Run("waits for a submission whose caller gave up", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		entered := make(chan struct{})
		release := make(chan struct{})
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			close(entered)
			<-release
			return domain.ReceiptResult{Finishable: true, SubscriberState: state(appUserID)}, nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		handled := make(chan error, 1)
		go func() {
			_, err := f.reconciler.HandleTransaction(ctx, purchased("p", "tx-1"))
			handled <- err
		}()

		<-entered
		cancel()
		if err := <-handled; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		closed := make(chan struct{})
		go func() {
			f.reconciler.Close()
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("Close returned while the receipt post was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("Close did not return after the post finished")
		}

		posted, err := f.cache.IsTransactionPosted(context.Background(), "tx-1")
		if err != nil || !posted {
			t.Errorf("expected tx-1 recorded as posted, got %v, %v", posted, err)
		}
		if finished := f.finisher.Finished(); len(finished) != 1 {
			t.Errorf("expected the transaction finished before Close returned, got %v", finished)
		}
	})

	t.Run("rejects submissions after close", func(t *testing.T) {
		f := newFixture(t, Config{FinishTransactions: true})
		var posts atomic.Int32
		f.backend.PostReceiptFunc = func(context.Context, domain.ReceiptSubmission) (domain.ReceiptResult, error) {
			posts.Add(1)
			return domain.ReceiptResult{SubscriberState: state(appUserID)}, nil
		}

		var delivered error
		_, _ = f.reconciler.BeginPurchase(context.Background(), domain.Product{Identifier: "p"}, "", func(r domain.PurchaseResult) { delivered = r.Err })
		f.reconciler.Close()

		_, err := f.reconciler.HandleTransaction(context.Background(), purchased("p", "tx-1"))
		if !errors.Is(err, ErrClosed) || !errors.Is(delivered, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v / %v", err, delivered)
		}
		if posts.Load() != 0 {
			t.Errorf("expected no receipt post, got %d", posts.Load())
		}
	})
}

func TestPhaseRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, _ = f.reconciler.HandleTransaction(ctx, domain.Transaction{ProductID: "p", TransactionID: "pending", State: domain.TransactionDeferred})

	total := retainedTerminalPhases + 10
	for i := range total {
		tx := domain.Transaction{ProductID: "p", TransactionID: fmt.Sprintf("tx-%d", i), State: domain.TransactionFailed, UserCancelled: true}
		_, _ = f.reconciler.HandleTransaction(ctx, tx)
	}

	if _, ok := f.reconciler.Phase("tx-0"); ok {
		t.Error("expected the oldest terminal phase to be dropped")
	}
	if phase, _ := f.reconciler.Phase(fmt.Sprintf("tx-%d", total-1)); phase != domain.PhaseFailed {
		t.Errorf("expected latest phase failed, got %q", phase)
	}
	if phase, _ := f.reconciler.Phase("pending"); phase != domain.PhaseDeferred {
		t.Errorf("expected deferred phase kept, got %q", phase)
	}

	f.reconciler.mu.Lock()
	size := len(f.reconciler.phases)
	f.reconciler.mu.Unlock()
	if size != retainedTerminalPhases+1 {
		t.Errorf("expected %d tracked phases, got %d", retainedTerminalPhases+1, size)
	}
}
