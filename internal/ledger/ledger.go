// Package ledger defines the capability used to read and mutate order state
// on the external settlement ledger. The ledger is authoritative; everything
// stored locally is a cache that converges to it.
package ledger

import (
	"context"
	"errors"
)

type Operation string

const (
	OpCreate           Operation = "create"
	OpAcceptByCustomer Operation = "acceptByCustomer"
	OpConfirmByVendor  Operation = "confirmByVendor"
	OpCancel           Operation = "cancel"
	OpRefund           Operation = "refund"
	OpSetStatus        Operation = "setStatus"
)

// SubmitArgs carries operation parameters. StatusCode is read only for
// OpSetStatus.
type SubmitArgs struct {
	StatusCode int
}

var (
	// ErrUnavailable means the ledger could not be reached or the call timed
	// out before confirmation. The operation must be treated as not applied.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrRejected means the ledger processed and refused the operation.
	ErrRejected = errors.New("ledger rejected operation")
	// ErrOrderMissing means the operation requires an on-ledger order that
	// does not exist.
	ErrOrderMissing = errors.New("order does not exist on ledger")
)

// Client is the contract consumed by the lifecycle engine. Submit blocks
// until the transaction is confirmed or the context deadline fires.
type Client interface {
	Exists(ctx context.Context, orderID string) (bool, error)
	Submit(ctx context.Context, orderID string, op Operation, args SubmitArgs) (txHash string, confirmedStatus int, err error)
	GetStatus(ctx context.Context, orderID string) (int, error)
}
