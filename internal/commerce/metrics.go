package commerce

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	emitLatency      metric.Float64Histogram
	finishedTotal    metric.Int64Counter
	redeliveredTotal metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.emitLatency, err = meter.Float64Histogram(
		"commerce_event_emit_seconds",
		metric.WithDescription("Time spent handing a transaction event to the consumer"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create commerce_event_emit histogram: %w", err)
	}

	m.finishedTotal, err = meter.Int64Counter(
		"commerce_transactions_finished_total",
		metric.WithDescription("Transactions finalized by the consumer"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create commerce_transactions_finished_total counter: %w", err)
	}

	m.redeliveredTotal, err = meter.Int64Counter(
		"commerce_transactions_redelivered_total",
		metric.WithDescription("Unfinished transactions emitted again"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create commerce_transactions_redelivered_total counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordEmit(ctx context.Context, state string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.emitLatency.Record(ctx, durationSeconds, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordFinished(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.finishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordRedelivered(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.redeliveredTotal.Add(ctx, int64(count))
}
