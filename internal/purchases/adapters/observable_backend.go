package adapters

import (
	"context"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/metrics"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObservableBackend adds spans to every backend call and receipt metrics
// to PostReceipt.
type ObservableBackend struct {
	backend ports.Backend
	metrics *metrics.Metrics
}

var _ ports.Backend = (*ObservableBackend)(nil)

func NewObservableBackend(backend ports.Backend, metrics *metrics.Metrics) *ObservableBackend {
	return &ObservableBackend{
		backend: backend,
		metrics: metrics,
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return
	}
	telemetry.SetSpanSuccess(span)
}

func (b *ObservableBackend) GetSubscriberState(ctx context.Context, appUserID string) (*domain.SubscriberState, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.GetSubscriberState")
	defer span.End()

	telemetry.AddSpanAttributes(span, attribute.String("app_user_id", appUserID))

	state, err := b.backend.GetSubscriberState(ctx, appUserID)
	finish(span, err)
	return state, err
}

func (b *ObservableBackend) GetOfferings(ctx context.Context, appUserID string) (*domain.Offerings, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.GetOfferings")
	defer span.End()

	telemetry.AddSpanAttributes(span, attribute.String("app_user_id", appUserID))

	offerings, err := b.backend.GetOfferings(ctx, appUserID)
	finish(span, err)
	return offerings, err
}

func (b *ObservableBackend) PostReceipt(ctx context.Context, submission domain.ReceiptSubmission) (domain.ReceiptResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.PostReceipt")
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("app_user_id", submission.AppUserID),
		attribute.Bool("receipt.is_restore", submission.IsRestore),
		attribute.Int("receipt.attributes", len(submission.Attributes)),
	}
	if submission.ProductInfo != nil {
		attrs = append(attrs, attribute.String("product_id", submission.ProductInfo.ProductID))
	}
	telemetry.AddSpanAttributes(span, attrs...)

	start := time.Now()
	result, err := b.backend.PostReceipt(ctx, submission)
	b.metrics.RecordReceiptPosted(ctx, err == nil, time.Since(start).Seconds())

	telemetry.AddSpanAttributes(span,
		attribute.Bool("receipt.finishable", result.Finishable),
		attribute.Bool("receipt.attributes_synced", result.AttributesSynced),
	)
	if status := domain.StatusCodeOf(err); status != 0 {
		telemetry.AddSpanAttributes(span, attribute.Int("http.status_code", status))
	}
	finish(span, err)
	return result, err
}

func (b *ObservableBackend) PostAttributes(ctx context.Context, appUserID string, attributes map[string]domain.SubscriberAttribute) (domain.AttributeSyncResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.PostAttributes")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("app_user_id", appUserID),
		attribute.Int("attributes", len(attributes)),
	)

	result, err := b.backend.PostAttributes(ctx, appUserID, attributes)
	finish(span, err)
	return result, err
}

func (b *ObservableBackend) GetIntroEligibility(ctx context.Context, appUserID string, receipt []byte, productIDs []string) (map[string]domain.IntroEligibility, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.GetIntroEligibility")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("app_user_id", appUserID),
		attribute.StringSlice("product_ids", productIDs),
	)

	eligibility, err := b.backend.GetIntroEligibility(ctx, appUserID, receipt, productIDs)
	finish(span, err)
	return eligibility, err
}

func (b *ObservableBackend) LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (*domain.SubscriberState, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.LogIn")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("app_user_id", currentAppUserID),
		attribute.String("new_app_user_id", newAppUserID),
	)

	state, created, err := b.backend.LogIn(ctx, currentAppUserID, newAppUserID)
	telemetry.AddSpanAttributes(span, attribute.Bool("created", created))
	finish(span, err)
	return state, created, err
}

func (b *ObservableBackend) GetProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
	ctx, span := telemetry.StartSpan(ctx, "Backend.GetProductEntitlementMapping")
	defer span.End()

	mapping, err := b.backend.GetProductEntitlementMapping(ctx)
	finish(span, err)
	return mapping, err
}

func (b *ObservableBackend) ClearCaches(ctx context.Context) error {
	return b.backend.ClearCaches(ctx)
}
