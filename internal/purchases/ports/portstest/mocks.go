// Package portstest provides function-field fakes of the purchases ports.
package portstest

import (
	"context"
	"errors"
	"sync"

	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

var errNotImplemented = errors.New("not implemented")

type Backend struct {
	GetSubscriberStateFunc           func(ctx context.Context, appUserID string) (*domain.SubscriberState, error)
	GetOfferingsFunc                 func(ctx context.Context, appUserID string) (*domain.Offerings, error)
	PostReceiptFunc                  func(ctx context.Context, s domain.ReceiptSubmission) (domain.ReceiptResult, error)
	PostAttributesFunc               func(ctx context.Context, appUserID string, attrs map[string]domain.SubscriberAttribute) (domain.AttributeSyncResult, error)
	GetIntroEligibilityFunc          func(ctx context.Context, appUserID string, receipt []byte, productIDs []string) (map[string]domain.IntroEligibility, error)
	LogInFunc                        func(ctx context.Context, currentAppUserID, newAppUserID string) (*domain.SubscriberState, bool, error)
	GetProductEntitlementMappingFunc func(ctx context.Context) (*domain.ProductEntitlementMapping, error)
	ClearCachesFunc                  func(ctx context.Context) error
}

var _ ports.Backend = (*Backend)(nil)

func (b *Backend) GetSubscriberState(ctx context.Context, appUserID string) (*domain.SubscriberState, error) {
	if b.GetSubscriberStateFunc != nil {
		return b.GetSubscriberStateFunc(ctx, appUserID)
	}
	return nil, errNotImplemented
}

func (b *Backend) GetOfferings(ctx context.Context, appUserID string) (*domain.Offerings, error) {
	if b.GetOfferingsFunc != nil {
		return b.GetOfferingsFunc(ctx, appUserID)
	}
	return nil, errNotImplemented
}

func (b *Backend) PostReceipt(ctx context.Context, s domain.ReceiptSubmission) (domain.ReceiptResult, error) {
	if b.PostReceiptFunc != nil {
		return b.PostReceiptFunc(ctx, s)
	}
	return domain.ReceiptResult{}, errNotImplemented
}

func (b *Backend) PostAttributes(ctx context.Context, appUserID string, attrs map[string]domain.SubscriberAttribute) (domain.AttributeSyncResult, error) {
	if b.PostAttributesFunc != nil {
		return b.PostAttributesFunc(ctx, appUserID, attrs)
	}
	return domain.AttributeSyncResult{}, errNotImplemented
}

func (b *Backend) GetIntroEligibility(ctx context.Context, appUserID string, receipt []byte, productIDs []string) (map[string]domain.IntroEligibility, error) {
	if b.GetIntroEligibilityFunc != nil {
		return b.GetIntroEligibilityFunc(ctx, appUserID, receipt, productIDs)
	}
	return nil, errNotImplemented
}

func (b *Backend) LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (*domain.SubscriberState, bool, error) {
	if b.LogInFunc != nil {
		return b.LogInFunc(ctx, currentAppUserID, newAppUserID)
	}
	return nil, false, errNotImplemented
}

func (b *Backend) GetProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
	if b.GetProductEntitlementMappingFunc != nil {
		return b.GetProductEntitlementMappingFunc(ctx)
	}
	return nil, errNotImplemented
}

func (b *Backend) ClearCaches(ctx context.Context) error {
	if b.ClearCachesFunc != nil {
		return b.ClearCachesFunc(ctx)
	}
	return nil
}

// Receipts returns a fixed receipt and records the policies it was asked for.
type Receipts struct {
	mu       sync.Mutex
	Data     []byte
	Err      error
	Policies []ports.ReceiptRefreshPolicy
}

func (r *Receipts) ReceiptData(_ context.Context, policy ports.ReceiptRefreshPolicy) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Policies = append(r.Policies, policy)
	return r.Data, r.Err
}

// Finisher records finished transaction ids.
type Finisher struct {
	mu       sync.Mutex
	finished []string
}

func (f *Finisher) Finish(_ context.Context, tx domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, tx.TransactionID)
	return nil
}

func (f *Finisher) Finished() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.finished...)
}

// PaymentQueue records payments.
type PaymentQueue struct {
	mu       sync.Mutex
	payments []ports.Payment
	AddFunc  func(ctx context.Context, payment ports.Payment) error
}

func (q *PaymentQueue) Add(ctx context.Context, payment ports.Payment) error {
	q.mu.Lock()
	q.payments = append(q.payments, payment)
	q.mu.Unlock()
	if q.AddFunc != nil {
		return q.AddFunc(ctx, payment)
	}
	return nil
}

func (q *PaymentQueue) Payments() []ports.Payment {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ports.Payment(nil), q.payments...)
}

// AppState reports a fixed visibility.
type AppState struct {
	State cache.Visibility
}

func (a AppState) Visibility() cache.Visibility {
	return a.State
}
