package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chainorders/internal/domain"
	"chainorders/internal/repository/order_repo"
)

type pgOrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderRepository(db *sql.DB, l *zap.Logger) order_repo.OrderRepository {
	return &pgOrderRepository{db: db, logger: l}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertEvent writes the webhook event row inside the caller's transaction so
// a status change and its queued notification commit together.
func insertEvent(ctx context.Context, ex execer, ev *domain.WebhookEvent) error {
	query := `INSERT INTO webhook_events (id, order_id, target_url, target_key, event_type, payload, status, attempt_number, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := ex.ExecContext(ctx, query,
		ev.ID, ev.OrderID, ev.TargetURL, ev.TargetKey, ev.EventType, []byte(ev.Payload),
		ev.Status, ev.AttemptNumber, ev.MaxAttempts, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook event: %w", err)
	}
	return nil
}

func (r *pgOrderRepository) CreateOrder(ctx context.Context, order *domain.Order, ev *domain.WebhookEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction for order creation", zap.String("order_id", order.ID), zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			r.logger.Warn("Rolling back order creation transaction", zap.String("order_id", order.ID), zap.Error(err))
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
			if err != nil {
				r.logger.Error("Failed to commit order creation transaction", zap.String("order_id", order.ID), zap.Error(err))
			}
		}
	}()

	orderQuery := `INSERT INTO orders (id, vendor_id, customer, total_amount, coin, amount_inr, status, tx_hash, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = tx.ExecContext(ctx, orderQuery,
		order.ID, order.VendorID, order.Customer, order.TotalAmount, order.Coin, order.AmountINR,
		order.Status, order.TxHash, order.ExpiresAt, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tx failed to create order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, name, unit_price, quantity, line_total) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, itemQuery, order.ID, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.LineTotal)
		if err != nil {
			return fmt.Errorf("tx failed to create order item: %w", err)
		}
	}

	if ev != nil {
		if err = insertEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("tx %w", err)
		}
	}

	r.logger.Debug("Order inserted in transaction", zap.String("order_id", order.ID))
	return err
}

func (r *pgOrderRepository) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	order := &domain.Order{}
	query := `SELECT id, vendor_id, customer, total_amount, coin, amount_inr, status, tx_hash, expires_at, created_at, updated_at
		FROM orders WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&order.ID, &order.VendorID, &order.Customer, &order.TotalAmount, &order.Coin, &order.AmountINR,
		&order.Status, &order.TxHash, &order.ExpiresAt, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		r.logger.Error("Failed to get order by ID", zap.String("order_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}

	items, err := r.getItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (r *pgOrderRepository) getItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	query := `SELECT product_id, name, unit_price, quantity, line_total FROM order_items WHERE order_id = $1`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		r.logger.Error("Failed to query order items", zap.String("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("failed to get items for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan order item row: %w", err)
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func (r *pgOrderRepository) GetOrdersByVendorID(ctx context.Context, vendorID string) ([]*domain.Order, error) {
	query := `SELECT id, vendor_id, customer, total_amount, coin, amount_inr, status, tx_hash, expires_at, created_at, updated_at
		FROM orders WHERE vendor_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, vendorID)
	if err != nil {
		r.logger.Error("Failed to query orders for vendor", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, fmt.Errorf("failed to get orders by vendor ID %s: %w", vendorID, err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order := &domain.Order{}
		if err := rows.Scan(
			&order.ID, &order.VendorID, &order.Customer, &order.TotalAmount, &order.Coin, &order.AmountINR,
			&order.Status, &order.TxHash, &order.ExpiresAt, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

func (r *pgOrderRepository) updateStatus(ctx context.Context, ex execer, id string, status domain.OrderStatus, txHash *string) error {
	query := `UPDATE orders SET status = $2, tx_hash = COALESCE($3, tx_hash), updated_at = NOW() WHERE id = $1`
	res, err := ex.ExecContext(ctx, query, id, status, txHash)
	if err != nil {
		r.logger.Error("Failed to update order status", zap.String("order_id", id), zap.Error(err))
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rowsAffected == 0 {
		r.logger.Warn("No rows affected when updating order status", zap.String("order_id", id))
		return sql.ErrNoRows
	}
	r.logger.Debug("Order status updated", zap.String("order_id", id), zap.String("new_status", string(status)))
	return nil
}

func (r *pgOrderRepository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, txHash *string, ev *domain.WebhookEvent) error {
	if ev == nil {
		return r.updateStatus(ctx, r.db, id, status, txHash)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := r.updateStatus(ctx, tx, id, status, txHash); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		_ = tx.Rollback()
		r.logger.Error("Rolling back status update, webhook enqueue failed",
			zap.String("order_id", id), zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

func (r *pgOrderRepository) updateStatusFrom(ctx context.Context, ex execer, id string, from, to domain.OrderStatus, txHash *string) error {
	query := `UPDATE orders SET status = $3, tx_hash = COALESCE($4, tx_hash), updated_at = NOW() WHERE id = $1 AND status = $2`
	res, err := ex.ExecContext(ctx, query, id, from, to, txHash)
	if err != nil {
		r.logger.Error("Failed to conditionally update order status", zap.String("order_id", id), zap.Error(err))
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rowsAffected == 0 {
		r.logger.Warn("Conditional status update lost a race",
			zap.String("order_id", id),
			zap.String("expected_status", string(from)),
			zap.String("requested_status", string(to)))
		return order_repo.ErrStatusConflict
	}
	r.logger.Debug("Order status updated",
		zap.String("order_id", id),
		zap.String("old_status", string(from)),
		zap.String("new_status", string(to)))
	return nil
}

func (r *pgOrderRepository) UpdateStatusFrom(ctx context.Context, id string, from, to domain.OrderStatus, txHash *string, ev *domain.WebhookEvent) error {
	if ev == nil {
		return r.updateStatusFrom(ctx, r.db, id, from, to, txHash)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := r.updateStatusFrom(ctx, tx, id, from, to, txHash); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		_ = tx.Rollback()
		r.logger.Error("Rolling back status transition, webhook enqueue failed",
			zap.String("order_id", id), zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status transition: %w", err)
	}
	return nil
}

func (r *pgOrderRepository) SetCustomer(ctx context.Context, id, customer string) error {
	query := `UPDATE orders SET customer = $2, updated_at = NOW() WHERE id = $1 AND (customer IS NULL OR customer = $2)`
	res, err := r.db.ExecContext(ctx, query, id, customer)
	if err != nil {
		r.logger.Error("Failed to set order customer", zap.String("order_id", id), zap.Error(err))
		return fmt.Errorf("failed to set customer for order %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("customer already recorded for order %s", id)
	}
	return nil
}
