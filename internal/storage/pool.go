// Package storage provides the PostgreSQL storage layer for Windlass.
//
// It manages connection pooling (via pgxpool), the atomic transition apply
// used by the state machine, the webhook dedupe gate, and query methods for
// all tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exports pool utilization as OTEL observable gauges.
// Call once after telemetry.Init; registration failures are logged, not fatal.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("windlass/storage")

	total, err1 := meter.Int64ObservableGauge("db.pool.connections.total")
	acquired, err2 := meter.Int64ObservableGauge("db.pool.connections.acquired")
	idle, err3 := meter.Int64ObservableGauge("db.pool.connections.idle")
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: create pool metric instruments failed")
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		return nil
	}, total, acquired, idle)
	if err != nil {
		db.logger.Warn("storage: register pool metrics callback failed", "error", err)
	}
}
