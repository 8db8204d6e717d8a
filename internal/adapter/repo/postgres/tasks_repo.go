package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/novafoundry/fetcher/internal/domain"
)

// Schema documents the expected table; migrations live with the
// deployment. The CHECK constraint admits running alongside the three
// persisted states, since the worker writes it in flight.
//
//	CREATE TABLE IF NOT EXISTS fetch_tasks (
//	    id          BIGSERIAL PRIMARY KEY,
//	    task_id     VARCHAR(50) NOT NULL UNIQUE,
//	    platform    VARCHAR(20) NOT NULL,
//	    action      VARCHAR(50) NOT NULL,
//	    params      JSONB NOT NULL DEFAULT '{}',
//	    result      JSONB,
//	    error       TEXT,
//	    status      VARCHAR(20) NOT NULL
//	                CHECK (status IN ('pending','running','completed','failed')),
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE UNIQUE INDEX IF NOT EXISTS fetch_tasks_task_id_idx ON fetch_tasks (task_id);

// PgxPool is a minimal subset of pgxpool used by the repo for easy testing.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx domain.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TaskRepo persists and loads fetch tasks using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// Create inserts a new task row.
func (r *TaskRepo) Create(ctx domain.Context, t domain.FetchTask) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "fetch_tasks"),
	)
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("op=task.create: marshal params: %w", err)
	}
	q := `INSERT INTO fetch_tasks (task_id, platform, action, params, status, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, t.TaskID, t.Platform, t.Action, params, t.Status, t.CreatedAt); err != nil {
		return fmt.Errorf("op=task.create: %w", err)
	}
	return nil
}

// UpdateStatus writes a status transition with optional result and
// error inside a REPEATABLE READ transaction.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, taskID string, status domain.TaskStatus, result []domain.UserRecord, errMsg string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "fetch_tasks"),
	)

	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("op=task.update_status: marshal result: %w", err)
		}
		resultJSON = b
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("op=task.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	q := `UPDATE fetch_tasks SET status=$2, result=COALESCE($3, result), error=$4 WHERE task_id=$1`
	tag, err := tx.Exec(ctx, q, taskID, status, resultJSON, errMsg)
	if err != nil {
		return fmt.Errorf("op=task.update_status.exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update_status: %w: task %q", domain.ErrNotFound, taskID)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=task.update_status.commit: %w", err)
	}
	committed = true
	return nil
}

// Get loads a task by its public task id.
func (r *TaskRepo) Get(ctx domain.Context, taskID string) (domain.FetchTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "fetch_tasks"),
	)
	q := `SELECT id, task_id, platform, action, params, result, COALESCE(error,''), status, created_at FROM fetch_tasks WHERE task_id=$1`
	row := r.Pool.QueryRow(ctx, q, taskID)
	var t domain.FetchTask
	var params, result []byte
	if err := row.Scan(&t.ID, &t.TaskID, &t.Platform, &t.Action, &params, &result, &t.Error, &t.Status, &t.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.FetchTask{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.FetchTask{}, fmt.Errorf("op=task.get: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return domain.FetchTask{}, fmt.Errorf("op=task.get: unmarshal params: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return domain.FetchTask{}, fmt.Errorf("op=task.get: unmarshal result: %w", err)
		}
	}
	return t, nil
}

// Count returns the total number of tasks.
func (r *TaskRepo) Count(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Count")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "fetch_tasks"),
	)
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM fetch_tasks`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=task.count: %w", err)
	}
	return count, nil
}
