// Package postgres constructs the shared connection pool for the durable
// store (catalog tables and the webhook event ledger).
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/config"
)

// Connect builds the pool from configuration and verifies connectivity
// before returning it.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	poolConfig.MinConns = int32(cfg.PoolMinConns)
	poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	poolConfig.ConnConfig.ConnectTimeout = time.Duration(cfg.ConnectTimeoutSeconds) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeoutSeconds)*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("verifying database connectivity: %w", err)
	}

	log.Info().
		Int("minConns", cfg.PoolMinConns).
		Int("maxConns", cfg.PoolMaxConns).
		Msg("database pool established")

	return pool, nil
}
