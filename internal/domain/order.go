package domain

import (
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPaid      OrderStatus = "paid"
	StatusConfirmed OrderStatus = "confirmed"
	StatusReceived  OrderStatus = "received"
	StatusCancelled OrderStatus = "cancelled"
	StatusRefunded  OrderStatus = "refunded"
)

// Ledger status codes, fixed contract-side ordering.
var ledgerCodes = map[OrderStatus]int{
	StatusPending:   0,
	StatusPaid:      1,
	StatusConfirmed: 2,
	StatusReceived:  3,
	StatusCancelled: 4,
	StatusRefunded:  5,
}

var statusByLedgerCode = map[int]OrderStatus{
	0: StatusPending,
	1: StatusPaid,
	2: StatusConfirmed,
	3: StatusReceived,
	4: StatusCancelled,
	5: StatusRefunded,
}

func (s OrderStatus) Valid() bool {
	_, ok := ledgerCodes[s]
	return ok
}

func (s OrderStatus) LedgerCode() int {
	return ledgerCodes[s]
}

func (s OrderStatus) Terminal() bool {
	return len(transitionTable[s]) == 0 && s.Valid()
}

func StatusFromLedgerCode(code int) (OrderStatus, error) {
	s, ok := statusByLedgerCode[code]
	if !ok {
		return "", fmt.Errorf("unknown ledger status code %d", code)
	}
	return s, nil
}

// transitionTable is the single definition of which lifecycle moves are legal.
var transitionTable = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusConfirmed, StatusRefunded, StatusCancelled},
	StatusConfirmed: {StatusReceived, StatusRefunded, StatusCancelled},
	StatusReceived:  {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleSystem:
		return true
	}
	return false
}

type transition struct {
	From OrderStatus
	To   OrderStatus
}

// roleGrants scopes which transitions each role may request. The system role
// may request any table-legal transition and is checked separately.
var roleGrants = map[Role]map[transition]bool{
	RoleCustomer: {
		{StatusPaid, StatusConfirmed}:      true,
		{StatusConfirmed, StatusReceived}:  true,
		{StatusPending, StatusCancelled}:   true,
		{StatusPaid, StatusCancelled}:      true,
		{StatusConfirmed, StatusCancelled}: true,
	},
	RoleVendor: {
		{StatusPaid, StatusConfirmed}:    true,
		{StatusPending, StatusCancelled}: true,
	},
}

// RoleAllows reports whether the role may request the transition. It does not
// check table legality; callers check CanTransition first.
func RoleAllows(role Role, from, to OrderStatus) bool {
	if role == RoleSystem {
		return true
	}
	return roleGrants[role][transition{From: from, To: to}]
}

// RequiresExternalSignature reports whether the transition must be signed by
// the customer's own key, which this backend does not hold. Those ledger
// writes happen out-of-band; the engine only reconciles afterwards.
func RequiresExternalSignature(role Role, from, to OrderStatus) bool {
	if role != RoleCustomer {
		return false
	}
	if to == StatusCancelled && (from == StatusPaid || from == StatusConfirmed) {
		return true
	}
	return from == StatusConfirmed && to == StatusReceived
}

// ExternalAction names the out-of-band ledger action the caller must perform.
func ExternalAction(from, to OrderStatus) string {
	if to == StatusCancelled {
		return "cancel"
	}
	if to == StatusReceived {
		return "markReceived"
	}
	return ""
}

type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
	LineTotal float64 `json:"line_total"`
}

type Order struct {
	ID          string
	VendorID    string
	Customer    *string
	Items       []OrderItem
	TotalAmount float64
	Coin        string
	AmountINR   *float64
	Status      OrderStatus
	TxHash      *string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewOrder(id, vendorID, coin string, items []OrderItem, ttl time.Duration) (*Order, error) {
	if id == "" || vendorID == "" || coin == "" || len(items) == 0 {
		return nil, errors.New("invalid order data")
	}
	var total float64
	for i := range items {
		if items[i].Quantity <= 0 || items[i].UnitPrice < 0 {
			return nil, errors.New("invalid order item")
		}
		items[i].LineTotal = items[i].UnitPrice * float64(items[i].Quantity)
		total += items[i].LineTotal
	}
	now := time.Now()
	return &Order{
		ID:          id,
		VendorID:    vendorID,
		Items:       items,
		TotalAmount: total,
		Coin:        coin,
		Status:      StatusPending,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
