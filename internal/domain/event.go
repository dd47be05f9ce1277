package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventOrderCreated          EventType = "order.created"
	EventPaymentCompleted      EventType = "payment.completed"
	EventOrderAccepted         EventType = "order.accepted"
	EventOrderReceived         EventType = "order.received"
	EventOrderCancelled        EventType = "order.cancelled"
	EventOrderRefunded         EventType = "order.refunded"
	EventSubscriptionPurchased EventType = "subscription.purchased"
	EventSubscriptionRenewed   EventType = "subscription.renewed"
	EventTest                  EventType = "test"
)

// EventForTransition derives the business event emitted when an order lands
// in the given status.
func EventForTransition(to OrderStatus) EventType {
	switch to {
	case StatusPaid:
		return EventPaymentCompleted
	case StatusConfirmed:
		return EventOrderAccepted
	case StatusReceived:
		return EventOrderReceived
	case StatusCancelled:
		return EventOrderCancelled
	case StatusRefunded:
		return EventOrderRefunded
	}
	return EventOrderCreated
}

type WebhookStatus string

const (
	WebhookStatusPending WebhookStatus = "PENDING"
	WebhookStatusSuccess WebhookStatus = "SUCCESS"
	WebhookStatusFailed  WebhookStatus = "FAILED"
)

// WebhookEvent is one emission of a business event toward a vendor endpoint.
// Rows are never deleted; they form the delivery audit trail.
type WebhookEvent struct {
	ID            string
	OrderID       string
	TargetURL     string
	TargetKey     string
	EventType     EventType
	Payload       json.RawMessage
	Status        WebhookStatus
	AttemptNumber int
	MaxAttempts   int
	NextRetryAt   *time.Time
	StatusCode    *int
	ResponseBody  *string
	ErrorMessage  *string
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
