// Package db provides database connection pooling via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// PoolOpts sizes the pool. Nil or zero values use defaults.
type PoolOpts struct {
	MaxConns int32
	MinConns int32
}

// NewPool creates a new pgx connection pool from the given database URL and
// verifies connectivity. Every LISTEN-ing bridge session holds one pooled
// connection, so MaxConns bounds concurrent Postgres sessions. Pass nil for
// opts to use defaults.
func NewPool(ctx context.Context, databaseURL string, opts *PoolOpts) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("%s - database URL is required", logPrefix)
	}
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	if opts != nil {
		if opts.MaxConns > 0 {
			config.MaxConns = opts.MaxConns
		}
		if opts.MinConns > 0 {
			config.MinConns = opts.MinConns
		}
	}
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established (max %d connections)", logPrefix, config.MaxConns))
	return pool, nil
}
