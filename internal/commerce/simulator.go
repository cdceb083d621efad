// Package commerce provides an in-process stand-in for a device store. It
// accepts payments, emits transaction events and keeps a receipt listing
// every completed purchase.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/google/uuid"
)

var (
	_ ports.PaymentQueue        = (*Simulator)(nil)
	_ ports.TransactionFinisher = (*Simulator)(nil)
	_ ports.ReceiptFetcher      = (*Simulator)(nil)
	_ ports.ProductFetcher      = (*Simulator)(nil)
)

var ErrClosed = errors.New("commerce simulator closed")

// Outcome is the scripted result of the next payment for a product.
type Outcome int

const (
	OutcomePurchased Outcome = iota
	OutcomeCancelled
	OutcomeFailed
	OutcomeDeferred
)

type receiptEntry struct {
	ProductID     string    `json:"product_id"`
	TransactionID string    `json:"transaction_id"`
	PurchaseDate  time.Time `json:"purchase_date"`
}

type receipt struct {
	BundleID     string         `json:"bundle_id"`
	RefreshedAt  time.Time      `json:"refreshed_at"`
	Transactions []receiptEntry `json:"in_app"`
}

type Simulator struct {
	mu       sync.Mutex
	closed   bool
	catalog  map[string]domain.Product
	outcomes map[string]Outcome
	// unfinished holds purchased transactions awaiting Finish.
	unfinished map[string]domain.Transaction
	finished   []domain.Transaction
	receipt    receipt
	refreshed  bool

	// sendMu guards events against a concurrent close.
	sendMu  sync.RWMutex
	done    chan struct{}
	events  chan domain.Transaction
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Simulator)

func WithProducts(products ...domain.Product) Option {
	return func(s *Simulator) {
		for _, p := range products {
			s.catalog[p.Identifier] = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Simulator) { s.metrics = metrics }
}

// WithBufferSize sets the capacity of the events channel.
func WithBufferSize(size int) Option {
	return func(s *Simulator) { s.events = make(chan domain.Transaction, size) }
}

func NewSimulator(bundleID string, opts ...Option) *Simulator {
	s := &Simulator{
		catalog:    make(map[string]domain.Product),
		outcomes:   make(map[string]Outcome),
		unfinished: make(map[string]domain.Transaction),
		receipt:    receipt{BundleID: bundleID},
		done:       make(chan struct{}),
		events:     make(chan domain.Transaction, 16),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events is the transaction stream consumed by the reconciler.
func (s *Simulator) Events() <-chan domain.Transaction {
	return s.events
}

// Script sets the outcome of the next payment for productID.
func (s *Simulator) Script(productID string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[productID] = outcome
}

func (s *Simulator) Products(_ context.Context, identifiers []string) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(identifiers))
	for _, id := range identifiers {
		if p, ok := s.catalog[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

// Add emits a purchasing event followed by the scripted outcome.
func (s *Simulator) Add(ctx context.Context, payment ports.Payment) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.catalog[payment.ProductID]; !ok {
		s.mu.Unlock()
		return domain.NewValidationError("unknown product: " + payment.ProductID)
	}
	outcome := s.outcomes[payment.ProductID]
	delete(s.outcomes, payment.ProductID)

	tx := domain.Transaction{
		ProductID:     payment.ProductID,
		TransactionID: uuid.NewString(),
		State:         domain.TransactionPurchasing,
		PurchaseDate:  s.now().UTC(),
	}
	final := tx
	switch outcome {
	case OutcomePurchased:
		final.State = domain.TransactionPurchased
		s.unfinished[tx.TransactionID] = final
		s.receipt.Transactions = append(s.receipt.Transactions, receiptEntry{
			ProductID:     final.ProductID,
			TransactionID: final.TransactionID,
			PurchaseDate:  final.PurchaseDate,
		})
	case OutcomeCancelled:
		final.State = domain.TransactionFailed
		final.UserCancelled = true
	case OutcomeFailed:
		final.State = domain.TransactionFailed
		final.Err = errors.New("payment declined")
	case OutcomeDeferred:
		final.State = domain.TransactionDeferred
	}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "payment added",
		"product_id", payment.ProductID,
		"transaction_id", tx.TransactionID,
		"state", string(final.State),
	)

	if err := s.emit(ctx, tx); err != nil {
		return err
	}
	return s.emit(ctx, final)
}

func (s *Simulator) emit(ctx context.Context, tx domain.Transaction) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	start := s.now()
	var err error
	select {
	case <-s.done:
		err = ErrClosed
	default:
		select {
		case s.events <- tx:
		case <-s.done:
			err = ErrClosed
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.metrics.RecordEmit(ctx, string(tx.State), s.now().Sub(start).Seconds(), err == nil)
	return err
}

func (s *Simulator) Finish(ctx context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	delete(s.unfinished, tx.TransactionID)
	s.finished = append(s.finished, tx)
	s.mu.Unlock()

	s.metrics.RecordFinished(ctx, string(tx.State))
	s.logger.DebugContext(ctx, "transaction finished", "transaction_id", tx.TransactionID)
	return nil
}

// Finished returns the transactions finalized so far, in order.
func (s *Simulator) Finished() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.finished)
}

// Redeliver emits every purchased transaction that has not been finished,
// as the store does on application launch.
func (s *Simulator) Redeliver(ctx context.Context) (int, error) {
	s.mu.Lock()
	pending := make([]domain.Transaction, 0, len(s.unfinished))
	for _, tx := range s.unfinished {
		pending = append(pending, tx)
	}
	s.mu.Unlock()

	slices.SortFunc(pending, func(a, b domain.Transaction) int {
		return a.PurchaseDate.Compare(b.PurchaseDate)
	})

	for i, tx := range pending {
		if err := s.emit(ctx, tx); err != nil {
			s.metrics.RecordRedelivered(ctx, i)
			return i, err
		}
	}
	s.metrics.RecordRedelivered(ctx, len(pending))
	return len(pending), nil
}

// ReceiptData returns the encoded receipt. Until the first purchase or
// refresh there is no receipt on the device.
func (s *Simulator) ReceiptData(_ context.Context, policy ports.ReceiptRefreshPolicy) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := len(s.receipt.Transactions) == 0 && !s.refreshed
	switch {
	case policy == ports.ReceiptRefreshAlways,
		policy == ports.ReceiptRefreshOnlyIfEmpty && empty:
		s.receipt.RefreshedAt = s.now().UTC()
		s.refreshed = true
	case empty:
		return nil, nil
	}

	return json.Marshal(s.receipt)
}

// Close stops accepting payments and closes the event stream.
func (s *Simulator) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	close(s.events)
}
