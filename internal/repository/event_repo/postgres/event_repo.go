package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chainorders/internal/domain"
	"chainorders/internal/repository/event_repo"
)

type pgEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewEventRepository(db *sql.DB, l *zap.Logger) event_repo.EventRepository {
	return &pgEventRepository{db: db, logger: l}
}

// claimLease is how long a claimed event stays invisible to other instances.
// If a worker dies mid-batch its events become claimable again after this.
const claimLease = 5 * time.Minute

const eventColumns = `id, order_id, target_url, target_key, event_type, payload, status, attempt_number, max_attempts,
	next_retry_at, status_code, response_body, error_message, delivered_at, created_at, updated_at`

// ClaimDue stamps claimed_at on the selected rows in the same statement, so
// two instances polling at once get disjoint batches even after the row
// locks are released.
func (r *pgEventRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookEvent, error) {
	query := `UPDATE webhook_events
		SET claimed_at = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE attempt_number <= max_attempts
			  AND (status = $1 OR (status = $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $3))
			  AND (claimed_at IS NULL OR claimed_at <= $4)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $5
		)
		RETURNING ` + eventColumns
	rows, err := r.db.QueryContext(ctx, query,
		domain.WebhookStatusPending, domain.WebhookStatusFailed, now, now.Add(-claimLease), limit)
	if err != nil {
		r.logger.Error("Failed to claim due webhook events", zap.Error(err))
		return nil, fmt.Errorf("failed to claim due webhook events: %w", err)
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			r.logger.Error("Failed to scan webhook event row", zap.Error(err))
			return nil, err
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

func (r *pgEventRepository) MarkDelivered(ctx context.Context, id string, statusCode int, responseBody string, deliveredAt time.Time) error {
	query := `UPDATE webhook_events
		SET status = $2, status_code = $3, response_body = $4, delivered_at = $5, next_retry_at = NULL, error_message = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> $2`
	res, err := r.db.ExecContext(ctx, query, id, domain.WebhookStatusSuccess, statusCode, responseBody, deliveredAt)
	if err != nil {
		r.logger.Error("Failed to mark webhook event delivered", zap.String("event_id", id), zap.Error(err))
		return fmt.Errorf("failed to mark webhook event %s delivered: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rowsAffected == 0 {
		r.logger.Warn("No rows affected when marking webhook event delivered", zap.String("event_id", id))
	}
	return nil
}

func (r *pgEventRepository) MarkFailed(ctx context.Context, id string, attemptNumber int, nextRetryAt *time.Time, statusCode *int, errorMessage string) error {
	query := `UPDATE webhook_events
		SET status = $2, attempt_number = $3, next_retry_at = $4, status_code = $5, error_message = $6, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, domain.WebhookStatusFailed, attemptNumber, nextRetryAt, statusCode, errorMessage)
	if err != nil {
		r.logger.Error("Failed to mark webhook event failed", zap.String("event_id", id), zap.Error(err))
		return fmt.Errorf("failed to mark webhook event %s failed: %w", id, err)
	}
	return nil
}

func (r *pgEventRepository) GetEventsByOrderID(ctx context.Context, orderID string) ([]*domain.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE order_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		r.logger.Error("Failed to query webhook events for order", zap.String("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("failed to get webhook events for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*domain.WebhookEvent, error) {
	ev := &domain.WebhookEvent{}
	var payload []byte
	var nextRetryAt, deliveredAt sql.NullTime
	var statusCode sql.NullInt64
	var responseBody, errorMessage sql.NullString

	if err := rows.Scan(
		&ev.ID, &ev.OrderID, &ev.TargetURL, &ev.TargetKey, &ev.EventType, &payload,
		&ev.Status, &ev.AttemptNumber, &ev.MaxAttempts,
		&nextRetryAt, &statusCode, &responseBody, &errorMessage, &deliveredAt,
		&ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan webhook event row: %w", err)
	}

	ev.Payload = payload
	if nextRetryAt.Valid {
		ev.NextRetryAt = &nextRetryAt.Time
	}
	if deliveredAt.Valid {
		ev.DeliveredAt = &deliveredAt.Time
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		ev.StatusCode = &code
	}
	if responseBody.Valid {
		ev.ResponseBody = &responseBody.String
	}
	if errorMessage.Valid {
		ev.ErrorMessage = &errorMessage.String
	}
	return ev, nil
}
