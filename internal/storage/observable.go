package storage

import (
	"context"
	"time"

	"github.com/dejobratic/purchasesync/internal/database"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ObservableStore records a span and an operation duration for every store call.
type ObservableStore struct {
	store   ports.KeyValueStore
	driver  string
	metrics *database.Metrics
}

func NewObservableStore(store ports.KeyValueStore, driver string, metrics *database.Metrics) *ObservableStore {
	return &ObservableStore{
		store:   store,
		driver:  driver,
		metrics: metrics,
	}
}

func (s *ObservableStore) Get(ctx context.Context, key string) (*ports.Entry, error) {
	var entry *ports.Entry
	err := s.observe(ctx, "get", key, func(ctx context.Context) error {
		var err error
		entry, err = s.store.Get(ctx, key)
		return err
	})
	return entry, err
}

func (s *ObservableStore) Put(ctx context.Context, key string, value []byte) error {
	return s.observe(ctx, "put", key, func(ctx context.Context) error {
		return s.store.Put(ctx, key, value)
	})
}

func (s *ObservableStore) Delete(ctx context.Context, key string) error {
	return s.observe(ctx, "delete", key, func(ctx context.Context) error {
		return s.store.Delete(ctx, key)
	})
}

func (s *ObservableStore) Update(ctx context.Context, key string, mutate ports.MutateFunc) error {
	return s.observe(ctx, "update", key, func(ctx context.Context) error {
		return s.store.Update(ctx, key, mutate)
	})
}

func (s *ObservableStore) List(ctx context.Context, prefix string) ([]ports.Entry, error) {
	var entries []ports.Entry
	err := s.observe(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		entries, err = s.store.List(ctx, prefix)
		return err
	})
	return entries, err
}

func (s *ObservableStore) observe(ctx context.Context, operation, key string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "KeyValueStore."+operation)
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("kv.key", key),
		attribute.String("kv.driver", s.driver),
		attribute.String("operation", operation),
	)

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordOperation(ctx, s.driver, operation, time.Since(start).Seconds(), err)

	if err != nil {
		telemetry.RecordSpanError(span, err)
		return err
	}

	telemetry.SetSpanSuccess(span)
	return nil
}
