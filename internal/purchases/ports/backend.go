package ports

import (
	"context"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
)

// Backend is the billing backend as seen by the reconciler and the facade.
type Backend interface {
	GetSubscriberState(ctx context.Context, appUserID string) (*domain.SubscriberState, error)
	GetOfferings(ctx context.Context, appUserID string) (*domain.Offerings, error)
	PostReceipt(ctx context.Context, submission domain.ReceiptSubmission) (domain.ReceiptResult, error)
	PostAttributes(ctx context.Context, appUserID string, attributes map[string]domain.SubscriberAttribute) (domain.AttributeSyncResult, error)
	GetIntroEligibility(ctx context.Context, appUserID string, receipt []byte, productIDs []string) (map[string]domain.IntroEligibility, error)
	LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (*domain.SubscriberState, bool, error)
	GetProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error)
	ClearCaches(ctx context.Context) error
}
