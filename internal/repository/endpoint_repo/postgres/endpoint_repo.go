package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chainorders/internal/repository/endpoint_repo"
)

type pgEndpointRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewEndpointRepository(db *sql.DB, l *zap.Logger) endpoint_repo.EndpointRepository {
	return &pgEndpointRepository{db: db, logger: l}
}

func (r *pgEndpointRepository) ResolveEndpoint(ctx context.Context, key string) (*endpoint_repo.Endpoint, error) {
	ep := &endpoint_repo.Endpoint{Key: key}
	query := `SELECT url, secret FROM webhook_endpoints WHERE key = $1`
	err := r.db.QueryRowContext(ctx, query, key).Scan(&ep.URL, &ep.Secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug("No webhook endpoint configured", zap.String("key", key))
			return nil, nil
		}
		r.logger.Error("Failed to resolve webhook endpoint", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve webhook endpoint for key %s: %w", key, err)
	}
	return ep, nil
}
