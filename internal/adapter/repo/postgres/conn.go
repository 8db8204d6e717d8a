// Package postgres implements the task log on PostgreSQL.
//
// The task log is an append-then-update record of fetch tasks: the
// coordinator inserts, the worker writes the terminal state, and the
// status endpoint reads. There is no concurrent writer contention on
// a single task id.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN and returns it.
// The pool includes OpenTelemetry tracing for query visibility.
//
// Task-log traffic is light on both sides: a worker processes one
// task at a time (one running mark, one terminal write), and the
// intake does one insert plus point reads per request. Four
// connections leave headroom for status polls landing while a
// terminal state commits; idle connections are dropped quickly since
// a worker between tasks holds none open.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = time.Minute

	cfg.ConnConfig.Tracer = otelpgx.NewTracer(
		otelpgx.WithTrimSQLInSpanName(),
	)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		slog.Warn("failed to record pgx stats", slog.Any("error", err))
	}

	return pool, nil
}
