package database

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics times key-value store calls for every storage driver, not only
// postgres.
type Metrics struct {
	operationDuration metric.Float64Histogram
	operationErrors   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.operationDuration, err = meter.Float64Histogram(
		"kv_operation_duration_seconds",
		metric.WithDescription("Key-value store operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create kv_operation_duration histogram: %w", err)
	}

	m.operationErrors, err = meter.Int64Counter(
		"kv_operation_errors_total",
		metric.WithDescription("Key-value store operations that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("create kv_operation_errors counter: %w", err)
	}

	return m, nil
}

// RecordOperation records one store call on driver. Failed calls are also
// counted.
func (m *Metrics) RecordOperation(ctx context.Context, driver, operation string, durationSeconds float64, err error) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("driver", driver),
		attribute.String("operation", operation),
	)
	m.operationDuration.Record(ctx, durationSeconds, attrs)
	if err != nil {
		m.operationErrors.Add(ctx, 1, attrs)
	}
}
