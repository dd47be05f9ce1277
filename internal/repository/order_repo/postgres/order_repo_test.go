package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainorders/internal/domain"
	"chainorders/internal/repository/order_repo"
)

func newMockRepo(t *testing.T) (order_repo.OrderRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewOrderRepository(db, zap.NewNop())
	return repo, mock, func() { db.Close() }
}

func pendingOrder(now time.Time) *domain.Order {
	return &domain.Order{
		ID:          "ord-1",
		VendorID:    "vendor-1",
		TotalAmount: 10,
		Coin:        "MATIC",
		Status:      domain.StatusPending,
		Items: []domain.OrderItem{
			{ProductID: "p1", Name: "Widget", UnitPrice: 5, Quantity: 2, LineTotal: 10},
		},
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func queuedEvent(now time.Time) *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:            "ev-1",
		OrderID:       "ord-1",
		TargetURL:     "https://vendor.example/webhooks",
		TargetKey:     "vendor-1",
		EventType:     domain.EventOrderCreated,
		Payload:       json.RawMessage(`{"orderId":"ord-1"}`),
		Status:        domain.WebhookStatusPending,
		AttemptNumber: 1,
		MaxAttempts:   5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateOrderCommitsOrderAndItems(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	order := pendingOrder(now)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(order.ID, order.VendorID, nil, order.TotalAmount, order.Coin, nil,
			order.Status, nil, order.ExpiresAt, order.CreatedAt, order.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WithArgs(order.ID, "p1", "Widget", 5.0, 2, 10.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateOrder(context.Background(), order, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The order, its items, and the queued webhook event share one transaction.
func TestCreateOrderEnqueuesEventInSameTransaction(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	order := pendingOrder(now)
	ev := queuedEvent(now)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs(ev.ID, ev.OrderID, ev.TargetURL, ev.TargetKey, ev.EventType, []byte(ev.Payload),
			ev.Status, ev.AttemptNumber, ev.MaxAttempts, ev.CreatedAt, ev.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateOrder(context.Background(), order, ev)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrderRollsBackOnItemFailure(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	order := pendingOrder(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.CreateOrder(context.Background(), order, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrderRollsBackOnEventFailure(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	order := pendingOrder(now)
	ev := queuedEvent(now)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.CreateOrder(context.Background(), order, ev)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderByIDNotFound(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM orders WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetOrderByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetOrderByIDLoadsItems(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	orderRows := sqlmock.NewRows([]string{
		"id", "vendor_id", "customer", "total_amount", "coin", "amount_inr",
		"status", "tx_hash", "expires_at", "created_at", "updated_at",
	}).AddRow("ord-1", "vendor-1", nil, 10.0, "MATIC", nil, "paid", "0xabc", now.Add(time.Hour), now, now)
	itemRows := sqlmock.NewRows([]string{"product_id", "name", "unit_price", "quantity", "line_total"}).
		AddRow("p1", "Widget", 5.0, 2, 10.0)

	mock.ExpectQuery(`SELECT .+ FROM orders WHERE id = \$1`).
		WithArgs("ord-1").
		WillReturnRows(orderRows)
	mock.ExpectQuery(`SELECT .+ FROM order_items WHERE order_id = \$1`).
		WithArgs("ord-1").
		WillReturnRows(itemRows)

	order, err := repo.GetOrderByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, order.Status)
	require.NotNil(t, order.TxHash)
	assert.Equal(t, "0xabc", *order.TxHash)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 10.0, order.Items[0].LineTotal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusFrom(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	txHash := "0xabc"
	mock.ExpectExec(`UPDATE orders SET status = \$3, tx_hash = COALESCE\(\$4, tx_hash\), updated_at = NOW\(\) WHERE id = \$1 AND status = \$2`).
		WithArgs("ord-1", domain.StatusPaid, domain.StatusConfirmed, &txHash).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatusFrom(context.Background(), "ord-1", domain.StatusPaid, domain.StatusConfirmed, &txHash, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// With an event attached, the status change and the enqueue commit together.
func TestUpdateStatusFromEnqueuesEventInSameTransaction(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	txHash := "0xabc"
	ev := queuedEvent(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \$3`).
		WithArgs("ord-1", domain.StatusPaid, domain.StatusConfirmed, &txHash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs(ev.ID, ev.OrderID, ev.TargetURL, ev.TargetKey, ev.EventType, []byte(ev.Payload),
			ev.Status, ev.AttemptNumber, ev.MaxAttempts, ev.CreatedAt, ev.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateStatusFrom(context.Background(), "ord-1", domain.StatusPaid, domain.StatusConfirmed, &txHash, ev)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A failed enqueue rolls the status change back; the caller sees an error
// and the order is left untouched.
func TestUpdateStatusFromRollsBackOnEventFailure(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	ev := queuedEvent(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \$3`).
		WithArgs("ord-1", domain.StatusPaid, domain.StatusConfirmed, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.UpdateStatusFrom(context.Background(), "ord-1", domain.StatusPaid, domain.StatusConfirmed, nil, ev)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Zero rows means another writer moved the order first.
func TestUpdateStatusFromConflict(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE orders SET status = \$3`).
		WithArgs("ord-1", domain.StatusPaid, domain.StatusConfirmed, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatusFrom(context.Background(), "ord-1", domain.StatusPaid, domain.StatusConfirmed, nil, nil)
	assert.ErrorIs(t, err, order_repo.ErrStatusConflict)
}

// A conflict inside the event transaction rolls back before the enqueue.
func TestUpdateStatusFromConflictInTransaction(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	ev := queuedEvent(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \$3`).
		WithArgs("ord-1", domain.StatusPaid, domain.StatusConfirmed, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateStatusFrom(context.Background(), "ord-1", domain.StatusPaid, domain.StatusConfirmed, nil, ev)
	assert.ErrorIs(t, err, order_repo.ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusUnknownOrder(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE orders SET status = \$2`).
		WithArgs("missing", domain.StatusCancelled, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "missing", domain.StatusCancelled, nil, nil)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSetCustomerWriteOnce(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE orders SET customer = \$2, updated_at = NOW\(\) WHERE id = \$1 AND \(customer IS NULL OR customer = \$2\)`).
		WithArgs("ord-1", "0xcustomer").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetCustomer(context.Background(), "ord-1", "0xcustomer")
	assert.NoError(t, err)

	// A different customer is already recorded: the guard matches no rows.
	mock.ExpectExec(`UPDATE orders SET customer = \$2`).
		WithArgs("ord-1", "0xother").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.SetCustomer(context.Background(), "ord-1", "0xother")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
