package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return record
}

func TestNewLogger(t *testing.T) {
	t.Run("adds trace and span ids from context", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()

		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		var buf bytes.Buffer
		NewLogger(&buf, slog.LevelInfo).InfoContext(ctx, "posted receipt", "transaction_id", "tx-1")

		record := decodeLine(t, &buf)
		if record["trace_id"] != span.SpanContext().TraceID().String() {
			t.Errorf("expected trace_id %s, got %v", span.SpanContext().TraceID(), record["trace_id"])
		}
		if record["span_id"] != span.SpanContext().SpanID().String() {
			t.Errorf("expected span_id %s, got %v", span.SpanContext().SpanID(), record["span_id"])
		}
		if record["transaction_id"] != "tx-1" {
			t.Errorf("expected transaction_id tx-1, got %v", record["transaction_id"])
		}
	})

	t.Run("omits ids without a span", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogger(&buf, slog.LevelInfo).Info("no span")

		record := decodeLine(t, &buf)
		if _, ok := record["trace_id"]; ok {
			t.Error("expected no trace_id")
		}
	})

	t.Run("respects level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, slog.LevelWarn)
		logger.Info("dropped")

		if buf.Len() != 0 {
			t.Errorf("expected info to be filtered, got %q", buf.String())
		}
		if !logger.Enabled(context.Background(), slog.LevelError) {
			t.Error("expected error level to be enabled")
		}
	})

	t.Run("keeps attribute and group order", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, slog.LevelInfo).
			With("component", "reconciler").
			WithGroup("tx").
			With("id", "tx-1")
		logger.Info("finished", "reason", "success")

		record := decodeLine(t, &buf)
		if record["component"] != "reconciler" {
			t.Errorf("expected top-level component, got %v", record["component"])
		}
		group, ok := record["tx"].(map[string]any)
		if !ok {
			t.Fatalf("expected tx group, got %v", record["tx"])
		}
		if group["id"] != "tx-1" || group["reason"] != "success" {
			t.Errorf("expected id and reason inside group, got %v", group)
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
