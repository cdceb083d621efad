package domain

import (
	"errors"
	"time"
)

// TransactionState is the lifecycle state reported by the commerce layer.
type TransactionState string

const (
	TransactionPurchasing TransactionState = "purchasing"
	TransactionPurchased  TransactionState = "purchased"
	TransactionRestored   TransactionState = "restored"
	TransactionFailed     TransactionState = "failed"
	TransactionDeferred   TransactionState = "deferred"
)

// Transaction is a lifecycle event emitted by the commerce layer.
type Transaction struct {
	ProductID     string           `json:"product_id"`
	TransactionID string           `json:"transaction_id"`
	State         TransactionState `json:"state"`
	PurchaseDate  time.Time        `json:"purchase_date"`
	Err           error            `json:"-"`
	UserCancelled bool             `json:"user_cancelled,omitempty"`
}

func (t Transaction) Validate() error {
	switch t.State {
	case TransactionPurchasing, TransactionPurchased, TransactionRestored, TransactionFailed, TransactionDeferred:
	default:
		return NewValidationError("unknown transaction state: " + string(t.State))
	}
	if t.State == TransactionPurchased || t.State == TransactionRestored {
		if t.TransactionID == "" {
			return NewValidationError("transaction id is required")
		}
	}
	return nil
}

// Phase tracks a transaction through reconciliation.
type Phase string

const (
	PhasePurchasing      Phase = "purchasing"
	PhasePurchased       Phase = "purchased"
	PhaseRestored        Phase = "restored"
	PhaseSubmitting      Phase = "submitting"
	PhaseFinalized       Phase = "finalized"
	PhaseRetryableFailed Phase = "retryable_failed"
	PhaseFailed          Phase = "failed"
	PhaseDeferred        Phase = "deferred"
)

var transitions = map[Phase][]Phase{
	"":                   {PhasePurchasing, PhasePurchased, PhaseRestored, PhaseFailed, PhaseDeferred},
	PhasePurchasing:      {PhasePurchased, PhaseRestored, PhaseFailed, PhaseDeferred},
	PhasePurchased:       {PhaseSubmitting, PhaseFinalized, PhaseRetryableFailed},
	PhaseRestored:        {PhaseSubmitting, PhaseFinalized, PhaseRetryableFailed},
	PhaseSubmitting:      {PhaseFinalized, PhaseRetryableFailed},
	PhaseRetryableFailed: {PhasePurchased, PhaseRestored},
	PhaseDeferred:        {PhasePurchased, PhaseFailed},
	PhaseFailed:          {},
	PhaseFinalized:       {},
}

var ErrInvalidTransition = errors.New("invalid transaction phase transition")

// CanTransition reports whether a transaction may move from one phase to another.
// A redelivered transaction that was left pending may re-enter purchased.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (p Phase) IsTerminal() bool {
	return p == PhaseFinalized || p == PhaseFailed
}

// PhaseFor maps a commerce state to the phase it enters.
func PhaseFor(state TransactionState) Phase {
	switch state {
	case TransactionPurchased:
		return PhasePurchased
	case TransactionRestored:
		return PhaseRestored
	case TransactionFailed:
		return PhaseFailed
	case TransactionDeferred:
		return PhaseDeferred
	default:
		return PhasePurchasing
	}
}

// ReceiptSubmission is everything posted to the backend for one receipt.
type ReceiptSubmission struct {
	AppUserID                   string
	Receipt                     []byte
	IsRestore                   bool
	ObserverMode                bool
	ProductInfo                 *ProductInfo
	PresentedOfferingIdentifier string
	Attributes                  map[string]SubscriberAttribute
}

// ReceiptResult is the outcome of a receipt post.
//
// Finishable is true when the transaction can be finalized even though the
// post failed. AttributesSynced is true when the posted attributes should be
// marked synced; it is independent of AttributeErrors.
type ReceiptResult struct {
	SubscriberState  *SubscriberState
	Finishable       bool
	AttributesSynced bool
	AttributeErrors  []AttributeError
}

// PurchaseResult is delivered to callers of purchase and restore.
type PurchaseResult struct {
	Transaction     *Transaction
	SubscriberState *SubscriberState
	UserCancelled   bool
	Err             error
}
