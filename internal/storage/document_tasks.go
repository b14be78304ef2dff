package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/npdlabs/npd/internal/backoff"
	"github.com/npdlabs/npd/internal/model"
)

// The document_tasks table duplicates the jobs lifecycle on purpose: the two
// queues have different retention and latency expectations and are ticked by
// separate cron endpoints, so they stay separate tables.

const documentTaskColumns = `id, document_id, operation, status, error_message, error_context,
	priority, attempts, max_attempts, next_retry, started_at, completed_at, last_attempt,
	created_by, created_at, updated_at`

func scanDocumentTask(row pgx.Row) (model.DocumentTask, error) {
	var t model.DocumentTask
	err := row.Scan(
		&t.ID, &t.DocumentID, &t.Operation, &t.Status, &t.ErrorMessage, &t.ErrorContext,
		&t.Priority, &t.Attempts, &t.MaxAttempts, &t.NextRetry, &t.StartedAt, &t.CompletedAt,
		&t.LastAttempt, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func scanDocumentTasks(rows pgx.Rows) ([]model.DocumentTask, error) {
	defer rows.Close()
	var tasks []model.DocumentTask
	for rows.Next() {
		t, err := scanDocumentTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan document task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateDocumentTask enqueues a document task. Deduplication is by document:
// an existing pending or in-progress task for the same document is returned
// unchanged.
func (db *DB) CreateDocumentTask(ctx context.Context, documentID uuid.UUID, op model.TaskOperation, priority int, createdBy *string) (model.DocumentTask, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+documentTaskColumns+` FROM document_tasks
		 WHERE document_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		 ORDER BY created_at ASC
		 LIMIT 1`,
		documentID,
	)
	existing, err := scanDocumentTask(row)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.DocumentTask{}, fmt.Errorf("storage: find active document task: %w", err)
	}

	row = db.pool.QueryRow(ctx,
		`INSERT INTO document_tasks (id, document_id, operation, status, priority,
		 attempts, max_attempts, next_retry, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, 'PENDING', $4, 0, $5, now(), $6, now(), now())
		 RETURNING `+documentTaskColumns,
		uuid.New(), documentID, op, priority, model.DefaultMaxAttempts, createdBy,
	)
	task, err := scanDocumentTask(row)
	if err != nil {
		return model.DocumentTask{}, fmt.Errorf("storage: create document task: %w", err)
	}
	return task, nil
}

// GetDocumentTask retrieves a document task by ID.
func (db *DB) GetDocumentTask(ctx context.Context, id uuid.UUID) (model.DocumentTask, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+documentTaskColumns+` FROM document_tasks WHERE id = $1`, id)
	task, err := scanDocumentTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DocumentTask{}, ErrNotFound
		}
		return model.DocumentTask{}, fmt.Errorf("storage: get document task: %w", err)
	}
	return task, nil
}

// GetPendingDocumentTasks returns eligible pending tasks, highest priority
// first, FIFO within a priority.
func (db *DB) GetPendingDocumentTasks(ctx context.Context, limit int) ([]model.DocumentTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentTaskColumns+` FROM document_tasks
		 WHERE status = 'PENDING' AND next_retry <= now()
		 ORDER BY priority DESC, created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get pending document tasks: %w", err)
	}
	return scanDocumentTasks(rows)
}

// ClaimDocumentTask is the claim barrier for document tasks: the conditional
// UPDATE returns no row when a concurrent tick already owns it.
func (db *DB) ClaimDocumentTask(ctx context.Context, id uuid.UUID) (model.DocumentTask, bool, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE document_tasks
		 SET status = 'IN_PROGRESS', started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+documentTaskColumns,
		id,
	)
	task, err := scanDocumentTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DocumentTask{}, false, nil
		}
		return model.DocumentTask{}, false, fmt.Errorf("storage: claim document task: %w", err)
	}
	return task, true, nil
}

// MarkDocumentTaskCompleted transitions a task to completed. Idempotent:
// completed_at is only set on the first call.
func (db *DB) MarkDocumentTaskCompleted(ctx context.Context, id uuid.UUID) (model.DocumentTask, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE document_tasks
		 SET status = 'COMPLETED',
		     completed_at = COALESCE(completed_at, now()),
		     next_retry = NULL,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+documentTaskColumns,
		id,
	)
	task, err := scanDocumentTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DocumentTask{}, ErrNotFound
		}
		return model.DocumentTask{}, fmt.Errorf("storage: mark document task completed: %w", err)
	}
	return task, nil
}

// MarkDocumentTaskFailedRetry records a pipeline failure using the shared
// back-off policy. Returns whether the task was requeued.
func (db *DB) MarkDocumentTaskFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, errCtx map[string]any) (model.DocumentTask, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DocumentTask{}, false, fmt.Errorf("storage: begin task fail-retry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM document_tasks WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DocumentTask{}, false, ErrNotFound
		}
		return model.DocumentTask{}, false, fmt.Errorf("storage: lock task for fail-retry: %w", err)
	}

	attempts++
	truncated := backoff.Truncate(errMsg)
	terminal := !backoff.Retryable(errMsg) || attempts >= maxAttempts

	var row pgx.Row
	if terminal {
		row = tx.QueryRow(ctx,
			`UPDATE document_tasks
			 SET status = 'FAILED', attempts = $2, error_message = $3, error_context = $4,
			     last_attempt = now(), completed_at = now(), next_retry = NULL, updated_at = now()
			 WHERE id = $1
			 RETURNING `+documentTaskColumns,
			id, attempts, truncated, errCtx,
		)
	} else {
		row = tx.QueryRow(ctx,
			`UPDATE document_tasks
			 SET status = 'PENDING', attempts = $2, error_message = $3, error_context = $4,
			     last_attempt = now(), next_retry = now() + make_interval(secs => $5), updated_at = now()
			 WHERE id = $1
			 RETURNING `+documentTaskColumns,
			id, attempts, truncated, errCtx, backoff.Delay(attempts).Seconds(),
		)
	}

	task, err := scanDocumentTask(row)
	if err != nil {
		return model.DocumentTask{}, false, fmt.Errorf("storage: mark document task failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.DocumentTask{}, false, fmt.Errorf("storage: commit task fail-retry: %w", err)
	}
	return task, !terminal, nil
}

// RecoverStuckDocumentTasks resets in-progress tasks older than the threshold
// back to pending. Returns the number of rows recovered.
func (db *DB) RecoverStuckDocumentTasks(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE document_tasks
		 SET status = 'PENDING', next_retry = now(),
		     error_message = $2, updated_at = now()
		 WHERE status = 'IN_PROGRESS' AND started_at < now() - make_interval(secs => $1)`,
		threshold.Seconds(),
		fmt.Sprintf("recovered: task exceeded the %s in-progress window, worker presumed dead", threshold),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: recover stuck document tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ManualRetryDocumentTask moves a failed or stuck task back to pending.
func (db *DB) ManualRetryDocumentTask(ctx context.Context, id uuid.UUID, resetAttempts bool) (model.DocumentTask, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE document_tasks
		 SET status = 'PENDING', next_retry = now(),
		     error_message = NULL, error_context = NULL, completed_at = NULL,
		     attempts = CASE WHEN $2 THEN 0 ELSE attempts END,
		     updated_at = now()
		 WHERE id = $1 AND status IN ('FAILED', 'IN_PROGRESS')
		 RETURNING `+documentTaskColumns,
		id, resetAttempts,
	)
	task, err := scanDocumentTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.DocumentTask{}, fmt.Errorf("storage: manual retry document task: %w", err)
	}

	existing, getErr := db.GetDocumentTask(ctx, id)
	if getErr != nil {
		return model.DocumentTask{}, getErr
	}
	return model.DocumentTask{}, fmt.Errorf("storage: document task %s is %s and cannot be retried", id, existing.Status.Label())
}

// CancelDocumentTask deletes a task only while it is still pending.
func (db *DB) CancelDocumentTask(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM document_tasks WHERE id = $1 AND status = 'PENDING'`, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: cancel document task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDocumentTasks returns tasks matching the filters, newest first.
func (db *DB) ListDocumentTasks(ctx context.Context, status *model.JobStatus, limit, offset int) ([]model.DocumentTask, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + documentTaskColumns + ` FROM document_tasks WHERE true`
	args := []any{}
	if status != nil {
		query += ` AND status = $1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list document tasks: %w", err)
	}
	return scanDocumentTasks(rows)
}
