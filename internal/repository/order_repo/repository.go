package order_repo

import (
	"context"
	"errors"

	"chainorders/internal/domain"
)

// ErrStatusConflict means a conditional status update found the row in a
// different state than expected. The caller lost a race and must re-read.
var ErrStatusConflict = errors.New("order status changed concurrently")

// Status writes accept an optional webhook event. When ev is non-nil the
// event row is inserted in the same transaction as the status change, so a
// recorded transition and its queued notification are atomic: either both
// land or neither does.
type OrderRepository interface {
	// CreateOrder inserts the order, its items and, when ev is non-nil, the
	// initial webhook event in one transaction.
	CreateOrder(ctx context.Context, order *domain.Order, ev *domain.WebhookEvent) error
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	GetOrdersByVendorID(ctx context.Context, vendorID string) ([]*domain.Order, error)
	// UpdateStatus overwrites the status unconditionally. Reconciliation path:
	// the ledger's value always wins.
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, txHash *string, ev *domain.WebhookEvent) error
	// UpdateStatusFrom applies the status only if the row is still in the
	// expected state. Returns ErrStatusConflict otherwise.
	UpdateStatusFrom(ctx context.Context, id string, from, to domain.OrderStatus, txHash *string, ev *domain.WebhookEvent) error
	// SetCustomer records the paying customer. The column is written at most
	// once; later calls with a different value fail.
	SetCustomer(ctx context.Context, id, customer string) error
}
