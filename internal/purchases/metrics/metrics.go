package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	receiptsPostedTotal       metric.Int64Counter
	receiptPostDuration       metric.Float64Histogram
	transactionsFinishedTotal metric.Int64Counter
	cacheLookupsTotal         metric.Int64Counter
	purchasesTotal            metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.receiptsPostedTotal, err = meter.Int64Counter(
		"receipts_posted_total",
		metric.WithDescription("Total number of receipt posts"),
		metric.WithUnit("{receipt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create receipts_posted_total counter: %w", err)
	}

	m.receiptPostDuration, err = meter.Float64Histogram(
		"receipt_post_duration_seconds",
		metric.WithDescription("Duration of receipt posts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create receipt_post_duration histogram: %w", err)
	}

	m.transactionsFinishedTotal, err = meter.Int64Counter(
		"transactions_finished_total",
		metric.WithDescription("Total number of finalized transactions"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transactions_finished_total counter: %w", err)
	}

	m.cacheLookupsTotal, err = meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Total number of cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_lookups_total counter: %w", err)
	}

	m.purchasesTotal, err = meter.Int64Counter(
		"purchases_total",
		metric.WithDescription("Total number of purchase attempts by outcome"),
		metric.WithUnit("{purchase}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create purchases_total counter: %w", err)
	}

	return m, nil
}

// The Record methods are no-ops on a nil receiver.

func (m *Metrics) RecordReceiptPosted(ctx context.Context, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.receiptsPostedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	m.receiptPostDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordTransactionFinished(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.transactionsFinishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCacheLookup counts a lookup of entity with result hit, miss or stale.
func (m *Metrics) RecordCacheLookup(ctx context.Context, entity, result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordPurchase(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.purchasesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
