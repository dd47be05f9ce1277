package event_repo

import (
	"context"
	"time"

	"chainorders/internal/domain"
)

// EventRepository is the durable delivery queue. Rows are enqueued by the
// order repository inside the status-change transaction; this interface only
// claims and settles them. Nothing is ever deleted.
type EventRepository interface {
	// ClaimDue selects up to limit events that are due for delivery and
	// stamps them with a claim lease, so concurrent workers on other
	// instances skip them until the lease expires. Terminal failures (no
	// next_retry_at) are never returned.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookEvent, error)
	MarkDelivered(ctx context.Context, id string, statusCode int, responseBody string, deliveredAt time.Time) error
	// MarkFailed records a failed attempt. A nil nextRetryAt makes the
	// failure terminal.
	MarkFailed(ctx context.Context, id string, attemptNumber int, nextRetryAt *time.Time, statusCode *int, errorMessage string) error
	GetEventsByOrderID(ctx context.Context, orderID string) ([]*domain.WebhookEvent, error)
}
