package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainorders/internal/domain"
	"chainorders/internal/repository/event_repo"
)

func newMockRepo(t *testing.T) (event_repo.EventRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewEventRepository(db, zap.NewNop())
	return repo, mock, func() { db.Close() }
}

func eventRowColumns() []string {
	return []string{
		"id", "order_id", "target_url", "target_key", "event_type", "payload",
		"status", "attempt_number", "max_attempts",
		"next_retry_at", "status_code", "response_body", "error_message", "delivered_at",
		"created_at", "updated_at",
	}
}

// Due selection takes fresh events and failed ones whose retry time has
// passed; exhausted events carry a NULL next_retry_at and never match.
// Claiming stamps claimed_at in the same statement so concurrent pollers
// get disjoint batches.
func TestClaimDue(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	retryAt := now.Add(-time.Minute)
	rows := sqlmock.NewRows(eventRowColumns()).
		AddRow("ev-1", "ord-1", "https://vendor.example/webhooks", "vendor-1", "order.accepted", []byte(`{}`),
			"PENDING", 1, 5, nil, nil, nil, nil, nil, now, now).
		AddRow("ev-2", "ord-2", "https://vendor.example/webhooks", "vendor-1", "order.cancelled", []byte(`{}`),
			"FAILED", 3, 5, retryAt, 500, nil, "upstream returned 500", nil, now, now)

	mock.ExpectQuery(`UPDATE webhook_events\s+SET claimed_at = \$3, updated_at = NOW\(\)\s+WHERE id IN \(\s+SELECT id FROM webhook_events\s+WHERE attempt_number <= max_attempts\s+AND \(status = \$1 OR \(status = \$2 AND next_retry_at IS NOT NULL AND next_retry_at <= \$3\)\)\s+AND \(claimed_at IS NULL OR claimed_at <= \$4\)\s+ORDER BY created_at ASC\s+FOR UPDATE SKIP LOCKED\s+LIMIT \$5\s+\)\s+RETURNING`).
		WithArgs(domain.WebhookStatusPending, domain.WebhookStatusFailed, now, now.Add(-claimLease), 100).
		WillReturnRows(rows)

	events, err := repo.ClaimDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, domain.WebhookStatusPending, events[0].Status)
	assert.Nil(t, events[0].NextRetryAt)
	assert.Nil(t, events[0].StatusCode)

	assert.Equal(t, domain.WebhookStatusFailed, events[1].Status)
	assert.Equal(t, 3, events[1].AttemptNumber)
	require.NotNil(t, events[1].NextRetryAt)
	require.NotNil(t, events[1].StatusCode)
	assert.Equal(t, 500, *events[1].StatusCode)
	require.NotNil(t, events[1].ErrorMessage)
	assert.Equal(t, "upstream returned 500", *events[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	deliveredAt := time.Now()
	mock.ExpectExec(`UPDATE webhook_events\s+SET status = \$2, status_code = \$3, response_body = \$4, delivered_at = \$5, next_retry_at = NULL, error_message = NULL, claimed_at = NULL, updated_at = NOW\(\)\s+WHERE id = \$1 AND status <> \$2`).
		WithArgs("ev-1", domain.WebhookStatusSuccess, 200, "ok", deliveredAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkDelivered(context.Background(), "ev-1", 200, "ok", deliveredAt)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	retryAt := time.Now().Add(2 * time.Minute)
	code := 502
	mock.ExpectExec(`UPDATE webhook_events\s+SET status = \$2, attempt_number = \$3, next_retry_at = \$4, status_code = \$5, error_message = \$6, claimed_at = NULL, updated_at = NOW\(\)\s+WHERE id = \$1`).
		WithArgs("ev-1", domain.WebhookStatusFailed, 3, &retryAt, &code, "upstream returned 502").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), "ev-1", 3, &retryAt, &code, "upstream returned 502")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Terminal failure: the attempt counter is exhausted and no retry is
// scheduled.
func TestMarkFailedTerminal(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE webhook_events\s+SET status = \$2, attempt_number = \$3, next_retry_at = \$4`).
		WithArgs("ev-1", domain.WebhookStatusFailed, 5, nil, nil, "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), "ev-1", 5, nil, nil, "connection refused")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventsByOrderID(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	deliveredAt := now.Add(time.Second)
	rows := sqlmock.NewRows(eventRowColumns()).
		AddRow("ev-1", "ord-1", "https://vendor.example/webhooks", "vendor-1", "order.created", []byte(`{}`),
			"SUCCESS", 1, 5, nil, 200, "ok", nil, deliveredAt, now, now)

	mock.ExpectQuery(`SELECT .+ FROM webhook_events WHERE order_id = \$1 ORDER BY created_at ASC`).
		WithArgs("ord-1").
		WillReturnRows(rows)

	events, err := repo.GetEventsByOrderID(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.WebhookStatusSuccess, events[0].Status)
	require.NotNil(t, events[0].DeliveredAt)
	require.NotNil(t, events[0].ResponseBody)
	assert.Equal(t, "ok", *events[0].ResponseBody)
	assert.NoError(t, mock.ExpectationsWereMet())
}
