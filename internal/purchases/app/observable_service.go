package app

import (
	"context"
	"log/slog"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Purchases is the caller-facing API of the service.
type Purchases interface {
	AppUserID() string
	FetchSubscriberState(ctx context.Context, ownerID string, policy FetchPolicy) (*domain.SubscriberState, error)
	FetchOfferings(ctx context.Context, ownerID string) (*domain.Offerings, error)
	Purchase(ctx context.Context, input PurchaseInput) (domain.PurchaseResult, error)
	Restore(ctx context.Context) (*domain.SubscriberState, error)
	SyncPurchases(ctx context.Context) (*domain.SubscriberState, error)
	SetAttributes(ctx context.Context, values map[string]string) error
	Attributes(ctx context.Context, ownerID string) (map[string]domain.SubscriberAttribute, error)
	SyncAttributes(ctx context.Context) error
	IntroEligibility(ctx context.Context, productIDs []string) (map[string]domain.IntroEligibility, error)
	LogIn(ctx context.Context, newAppUserID string) (LogInResult, error)
	LogOut(ctx context.Context) (*domain.SubscriberState, error)
	ProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error)
}

var (
	_ Purchases = (*Service)(nil)
	_ Purchases = (*ObservableService)(nil)
)

// ObservableService adds spans and logs to every call.
type ObservableService struct {
	service Purchases
	logger  *slog.Logger
}

func NewObservableService(service Purchases, logger *slog.Logger) *ObservableService {
	return &ObservableService{
		service: service,
		logger:  logger,
	}
}

func (o *ObservableService) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := telemetry.StartSpan(ctx, "Purchases."+name)
	attrs = append(attrs, attribute.String("app_user_id", o.service.AppUserID()))
	telemetry.AddSpanAttributes(span, attrs...)
	return ctx, span
}

func (o *ObservableService) end(ctx context.Context, span trace.Span, operation string, err error) {
	if err != nil {
		telemetry.RecordSpanError(span, err)
		o.logger.ErrorContext(ctx, "purchases operation failed",
			"operation", operation,
			"error", err,
			"error_code", string(domain.CodeOf(err)),
		)
		return
	}
	telemetry.SetSpanSuccess(span)
}

func (o *ObservableService) AppUserID() string {
	return o.service.AppUserID()
}

func (o *ObservableService) FetchSubscriberState(ctx context.Context, ownerID string, policy FetchPolicy) (*domain.SubscriberState, error) {
	ctx, span := o.start(ctx, "FetchSubscriberState",
		attribute.String("owner_id", ownerID),
		attribute.String("fetch_policy", policy.String()),
	)
	defer span.End()

	state, err := o.service.FetchSubscriberState(ctx, ownerID, policy)
	o.end(ctx, span, "fetch_subscriber_state", err)
	return state, err
}

func (o *ObservableService) FetchOfferings(ctx context.Context, ownerID string) (*domain.Offerings, error) {
	ctx, span := o.start(ctx, "FetchOfferings", attribute.String("owner_id", ownerID))
	defer span.End()

	offerings, err := o.service.FetchOfferings(ctx, ownerID)
	o.end(ctx, span, "fetch_offerings", err)
	return offerings, err
}

func (o *ObservableService) Purchase(ctx context.Context, input PurchaseInput) (domain.PurchaseResult, error) {
	ctx, span := o.start(ctx, "Purchase",
		attribute.String("product_id", input.ProductID),
		attribute.String("presented_offering_id", input.PresentedOfferingID),
	)
	defer span.End()

	o.logger.InfoContext(ctx, "purchasing product",
		"product_id", input.ProductID,
		"presented_offering_id", input.PresentedOfferingID,
	)

	result, err := o.service.Purchase(ctx, input)
	if result.Transaction != nil {
		telemetry.AddSpanAttributes(span, attribute.String("transaction_id", result.Transaction.TransactionID))
	}
	telemetry.AddSpanAttributes(span, attribute.Bool("user_cancelled", result.UserCancelled))

	if result.UserCancelled {
		telemetry.SetSpanSuccess(span)
		o.logger.InfoContext(ctx, "purchase cancelled by user", "product_id", input.ProductID)
		return result, err
	}
	o.end(ctx, span, "purchase", err)
	if err == nil {
		o.logger.InfoContext(ctx, "purchase completed", "product_id", input.ProductID)
	}
	return result, err
}

func (o *ObservableService) Restore(ctx context.Context) (*domain.SubscriberState, error) {
	ctx, span := o.start(ctx, "Restore")
	defer span.End()

	state, err := o.service.Restore(ctx)
	o.end(ctx, span, "restore", err)
	return state, err
}

func (o *ObservableService) SyncPurchases(ctx context.Context) (*domain.SubscriberState, error) {
	ctx, span := o.start(ctx, "SyncPurchases")
	defer span.End()

	state, err := o.service.SyncPurchases(ctx)
	o.end(ctx, span, "sync_purchases", err)
	return state, err
}

func (o *ObservableService) SetAttributes(ctx context.Context, values map[string]string) error {
	ctx, span := o.start(ctx, "SetAttributes", attribute.Int("attributes", len(values)))
	defer span.End()

	err := o.service.SetAttributes(ctx, values)
	o.end(ctx, span, "set_attributes", err)
	return err
}

func (o *ObservableService) Attributes(ctx context.Context, ownerID string) (map[string]domain.SubscriberAttribute, error) {
	ctx, span := o.start(ctx, "Attributes", attribute.String("owner_id", ownerID))
	defer span.End()

	attributes, err := o.service.Attributes(ctx, ownerID)
	o.end(ctx, span, "attributes", err)
	return attributes, err
}

func (o *ObservableService) SyncAttributes(ctx context.Context) error {
	ctx, span := o.start(ctx, "SyncAttributes")
	defer span.End()

	err := o.service.SyncAttributes(ctx)
	o.end(ctx, span, "sync_attributes", err)
	return err
}

func (o *ObservableService) IntroEligibility(ctx context.Context, productIDs []string) (map[string]domain.IntroEligibility, error) {
	ctx, span := o.start(ctx, "IntroEligibility", attribute.StringSlice("product_ids", productIDs))
	defer span.End()

	eligibility, err := o.service.IntroEligibility(ctx, productIDs)
	o.end(ctx, span, "intro_eligibility", err)
	return eligibility, err
}

func (o *ObservableService) LogIn(ctx context.Context, newAppUserID string) (LogInResult, error) {
	ctx, span := o.start(ctx, "LogIn", attribute.String("new_app_user_id", newAppUserID))
	defer span.End()

	result, err := o.service.LogIn(ctx, newAppUserID)
	telemetry.AddSpanAttributes(span, attribute.Bool("created", result.Created))
	o.end(ctx, span, "log_in", err)
	return result, err
}

func (o *ObservableService) LogOut(ctx context.Context) (*domain.SubscriberState, error) {
	ctx, span := o.start(ctx, "LogOut")
	defer span.End()

	state, err := o.service.LogOut(ctx)
	o.end(ctx, span, "log_out", err)
	return state, err
}

func (o *ObservableService) ProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
	ctx, span := o.start(ctx, "ProductEntitlementMapping")
	defer span.End()

	mapping, err := o.service.ProductEntitlementMapping(ctx)
	o.end(ctx, span, "product_entitlement_mapping", err)
	return mapping, err
}
