package ports

import (
	"context"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
)

// ReceiptRefreshPolicy controls when the commerce layer re-fetches the receipt.
type ReceiptRefreshPolicy int

const (
	ReceiptRefreshNever ReceiptRefreshPolicy = iota
	ReceiptRefreshOnlyIfEmpty
	ReceiptRefreshAlways
)

// ReceiptFetcher returns the proof-of-purchase payload held by the device.
// An empty slice with a nil error means no receipt is available.
type ReceiptFetcher interface {
	ReceiptData(ctx context.Context, policy ReceiptRefreshPolicy) ([]byte, error)
}

// ProductFetcher resolves product descriptors from the store catalog.
// Unknown identifiers are omitted from the result.
type ProductFetcher interface {
	Products(ctx context.Context, identifiers []string) ([]domain.Product, error)
}

// Payment is a request to buy a product.
type Payment struct {
	ProductID string
	Quantity  int
}

// PaymentQueue hands payments to the commerce layer, which reports their
// progress as transaction events.
type PaymentQueue interface {
	Add(ctx context.Context, payment Payment) error
}

// TransactionFinisher finalizes transactions so they are not redelivered.
type TransactionFinisher interface {
	Finish(ctx context.Context, tx domain.Transaction) error
}
