package telemetry

import (
	"context"
	"sync/atomic"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DiscardExporter drops spans and metric batches after counting them. One
// value serves as both the trace and the metric exporter.
type DiscardExporter struct {
	spans   atomic.Int64
	batches atomic.Int64
}

var (
	_ sdktrace.SpanExporter = (*DiscardExporter)(nil)
	_ sdkmetric.Exporter    = (*DiscardExporter)(nil)
)

func NewDiscardExporter() *DiscardExporter {
	return &DiscardExporter{}
}

// Spans returns how many spans were exported.
func (e *DiscardExporter) Spans() int64 {
	return e.spans.Load()
}

// MetricBatches returns how many metric collections were exported.
func (e *DiscardExporter) MetricBatches() int64 {
	return e.batches.Load()
}

func (e *DiscardExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.spans.Add(int64(len(spans)))
	return nil
}

func (e *DiscardExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

func (e *DiscardExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *DiscardExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	e.batches.Add(1)
	return nil
}

func (e *DiscardExporter) ForceFlush(context.Context) error {
	return nil
}

func (e *DiscardExporter) Shutdown(context.Context) error {
	return nil
}
