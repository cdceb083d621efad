package httpclient

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"backend_requests_total",
		metric.WithDescription("Total number of backend requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create backend_requests_total counter: %w", err)
	}

	m.requestDuration, err = meter.Float64Histogram(
		"backend_request_duration_seconds",
		metric.WithDescription("Backend request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create backend_request_duration histogram: %w", err)
	}

	return m, nil
}

// RecordRequest records one finished request. statusCode is 0 for
// transport failures.
func (m *Metrics) RecordRequest(ctx context.Context, method, operation string, statusCode int, origin Origin, durationSeconds float64) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", operation),
		attribute.String("status_code", strconv.Itoa(statusCode)),
		attribute.String("origin", string(origin)),
	)

	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, durationSeconds, attrs)
}
