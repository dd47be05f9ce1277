package lifecycle

import (
	"time"

	"chainorders/internal/domain"
)

// Actor identifies who is requesting a transition. The system role is only
// assigned after the admin credential has been verified at the edge.
type Actor struct {
	Role domain.Role
	ID   string
}

type ItemRequest struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

type CreateOrderRequest struct {
	VendorID   string        `json:"vendor_id"`
	Coin       string        `json:"coin"`
	Items      []ItemRequest `json:"items"`
	AmountINR  *float64      `json:"amount_inr,omitempty"`
	TTLSeconds int           `json:"ttl_seconds,omitempty"`
}

type OrderResponse struct {
	ID          string             `json:"id"`
	VendorID    string             `json:"vendor_id"`
	Customer    *string            `json:"customer,omitempty"`
	Items       []domain.OrderItem `json:"items"`
	TotalAmount float64            `json:"total_amount"`
	Coin        string             `json:"coin"`
	AmountINR   *float64           `json:"amount_inr,omitempty"`
	Status      string             `json:"status"`
	TxHash      *string            `json:"tx_hash,omitempty"`
	ExpiresAt   time.Time          `json:"expires_at"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// TransitionResult is the outcome of an accepted transition request. When
// RequiresExternalSignature is set, no ledger write happened: the caller must
// perform ExternalAction with the customer's key and report back.
type TransitionResult struct {
	OrderID                   string             `json:"order_id"`
	Status                    domain.OrderStatus `json:"status"`
	TxHash                    string             `json:"tx_hash,omitempty"`
	RequiresExternalSignature bool               `json:"requires_external_signature,omitempty"`
	ExternalAction            string             `json:"external_action,omitempty"`
}

func mapOrderToResponse(order *domain.Order) *OrderResponse {
	return &OrderResponse{
		ID:          order.ID,
		VendorID:    order.VendorID,
		Customer:    order.Customer,
		Items:       order.Items,
		TotalAmount: order.TotalAmount,
		Coin:        order.Coin,
		AmountINR:   order.AmountINR,
		Status:      string(order.Status),
		TxHash:      order.TxHash,
		ExpiresAt:   order.ExpiresAt,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}
