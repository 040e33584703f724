// Package postgres builds instrumented pgx connection pools.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig configures NewPool.
type PoolConfig struct {
	URL      string
	MaxConns int32

	// SlowQuery is the duration above which successful queries are logged.
	// Zero logs every query.
	SlowQuery time.Duration
	// LogArgs includes bound query arguments in query logs.
	LogArgs bool
}

// NewPool connects to PostgreSQL with otelpgx tracing and query logging,
// and verifies the connection.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	if pc.URL == "" {
		return nil, errors.New("postgres: empty database url")
	}
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), pc.SlowQuery, pc.LogArgs)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := otelpgx.RecordStats(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record pool stats: %w", err)
	}
	return pool, nil
}
