// Package storage provides the PostgreSQL storage layer for the NPD
// work-coordination core.
//
// It manages connection pooling via pgxpool, registers pgvector types for
// document-chunk embeddings, applies embedded SQL migrations, and holds the
// query methods for the job queues, synced entities, sync conflicts, tags,
// and the hybrid-search ranking queries.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/npdlabs/npd/internal/telemetry"
)

// DB wraps a pgxpool.Pool with the query methods of the storage layer.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool. The pool must be sized to
// cover the search fan-out: each hybrid search runs up to three ranking
// queries concurrently.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection. Best-effort: if the
	// vector extension has not been created yet (pool startup before
	// migrations), later connections succeed once it exists.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
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

// RegisterQueueMetrics registers observable gauges for the depth of both
// queue tables. Call after telemetry.Init.
func (db *DB) RegisterQueueMetrics() {
	meter := telemetry.Meter("npd/storage")

	_, _ = meter.Int64ObservableGauge("npd.queue.jobs.pending",
		metric.WithDescription("Number of pending rows in the jobs table"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := db.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM jobs WHERE status = 'PENDING'`).Scan(&count); err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("npd.queue.document_tasks.pending",
		metric.WithDescription("Number of pending rows in the document_tasks table"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := db.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM document_tasks WHERE status = 'PENDING'`).Scan(&count); err != nil {
				return nil
			}
			o.Observe(count)
			return nil
		}),
	)
}
