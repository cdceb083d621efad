package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ServiceName:    "purchasesync-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		SampleRate:     1.0,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid config", func(*Config) {}, nil},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, ErrMissingServiceName},
		{"missing service version", func(c *Config) { c.ServiceVersion = "" }, ErrMissingServiceVersion},
		{"sample rate above one", func(c *Config) { c.SampleRate = 1.5 }, ErrInvalidSampleRate},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.1 }, ErrInvalidSampleRate},
		{"negative export interval", func(c *Config) { c.ExportInterval = -time.Second }, ErrInvalidExportInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected error to wrap ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestInitialize(t *testing.T) {
	t.Run("initializes both signals with provided exporters", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableTracing = true
		cfg.EnableMetrics = true

		exporter := NewDiscardExporter()
		tel, err := Initialize(context.Background(), cfg,
			WithTraceExporter(exporter),
			WithMetricExporter(exporter),
		)
		if err != nil {
			t.Fatalf("Initialize() failed: %v", err)
		}

		if tel.TracerProvider() == nil {
			t.Fatal("expected tracer provider")
		}
		if tel.MeterProvider() == nil {
			t.Fatal("expected meter provider")
		}

		_, span := StartSpan(context.Background(), "exported")
		span.End()
		counter, err := tel.MeterProvider().Meter("test").Int64Counter("test_total")
		if err != nil {
			t.Fatal(err)
		}
		counter.Add(context.Background(), 1)

		shutdown(t, tel)

		if got := exporter.Spans(); got != 1 {
			t.Errorf("expected 1 exported span, got %d", got)
		}
		if exporter.MetricBatches() == 0 {
			t.Error("expected metrics flushed on shutdown")
		}
	})

	t.Run("creates local providers without an endpoint", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableTracing = true
		cfg.EnableMetrics = true

		tel, err := Initialize(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Initialize() failed: %v", err)
		}
		defer shutdown(t, tel)

		ctx, span := StartSpan(context.Background(), "local")
		defer span.End()
		if TraceID(ctx) == "" {
			t.Error("expected spans to be recorded without an exporter")
		}
	})

	t.Run("skips disabled signals", func(t *testing.T) {
		tel, err := Initialize(context.Background(), testConfig())
		if err != nil {
			t.Fatalf("Initialize() failed: %v", err)
		}
		defer shutdown(t, tel)

		if tel.TracerProvider() != nil || tel.MeterProvider() != nil {
			t.Error("expected no providers when both signals are disabled")
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.ServiceName = ""

		if _, err := Initialize(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOffSampler"},
		{1, "AlwaysOnSampler"},
		{0.5, "ParentBased{root:TraceIDRatioBased{0.5}"},
	}

	for _, tt := range tests {
		if got := createSampler(tt.rate).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("createSampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func shutdown(t *testing.T, tel *Telemetry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
}
