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

const jobColumns = `id, job_type, status, entity_type, entity_id, payload, result,
	error_message, error_context, priority, attempts, max_attempts, next_retry,
	started_at, completed_at, last_attempt, created_by, created_at, updated_at`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.JobType, &j.Status, &j.EntityType, &j.EntityID, &j.Payload, &j.Result,
		&j.ErrorMessage, &j.ErrorContext, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.NextRetry,
		&j.StartedAt, &j.CompletedAt, &j.LastAttempt, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

func scanJobs(rows pgx.Rows) ([]model.Job, error) {
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateJobParams holds the inputs for enqueueing a job.
type CreateJobParams struct {
	JobType     model.JobType
	EntityType  *string
	EntityID    *uuid.UUID
	Payload     map[string]any
	Priority    int
	MaxAttempts int
	CreatedBy   *string
	Deduplicate bool
}

// CreateJob enqueues a job. With Deduplicate, an existing job for the same
// (job_type, entity_type, entity_id) that is still pending or in progress is
// returned unchanged; null entity fields match null columns, which makes a
// job with no entity a per-type singleton. New jobs are immediately eligible
// (next_retry = now).
func (db *DB) CreateJob(ctx context.Context, p CreateJobParams) (model.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = model.DefaultMaxAttempts
	}

	if p.Deduplicate {
		existing, err := db.findActiveJob(ctx, p.JobType, p.EntityType, p.EntityID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Job{}, err
		}
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, job_type, status, entity_type, entity_id, payload,
		 priority, attempts, max_attempts, next_retry, created_by, created_at, updated_at)
		 VALUES ($1, $2, 'PENDING', $3, $4, $5, $6, 0, $7, now(), $8, now(), now())
		 RETURNING `+jobColumns,
		uuid.New(), p.JobType, p.EntityType, p.EntityID, p.Payload,
		p.Priority, p.MaxAttempts, p.CreatedBy,
	)
	job, err := scanJob(row)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: create job: %w", err)
	}
	return job, nil
}

// findActiveJob returns the oldest pending or in-progress job matching the
// dedup key. IS NOT DISTINCT FROM makes a null filter match a null column.
func (db *DB) findActiveJob(ctx context.Context, jobType model.JobType, entityType *string, entityID *uuid.UUID) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_type = $1
		   AND entity_type IS NOT DISTINCT FROM $2
		   AND entity_id IS NOT DISTINCT FROM $3
		   AND status IN ('PENDING', 'IN_PROGRESS')
		 ORDER BY created_at ASC
		 LIMIT 1`,
		jobType, entityType, entityID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: find active job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// GetPendingJobs returns pending jobs whose next_retry has passed, optionally
// filtered to the given types (nil or empty = all types). Highest priority
// first, FIFO within a priority.
func (db *DB) GetPendingJobs(ctx context.Context, types []model.JobType, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs
		 WHERE status = 'PENDING' AND next_retry <= now()`
	args := []any{}
	if len(types) > 0 {
		query += ` AND job_type = ANY($1)`
		args = append(args, types)
	}
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get pending jobs: %w", err)
	}
	return scanJobs(rows)
}

// ClaimJob atomically transitions a job from pending to in_progress and sets
// started_at. This is the claim barrier: the conditional UPDATE means a row
// already claimed by a concurrent tick returns no rows, and the caller must
// skip it.
func (db *DB) ClaimJob(ctx context.Context, id uuid.UUID) (model.Job, bool, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'IN_PROGRESS', started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+jobColumns,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, false, nil
		}
		return model.Job{}, false, fmt.Errorf("storage: claim job: %w", err)
	}
	return job, true, nil
}

// MarkJobCompleted transitions a job to completed and stores the handler
// result. Idempotent: completed_at is only set on the first call.
func (db *DB) MarkJobCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'COMPLETED',
		     result = $2,
		     completed_at = COALESCE(completed_at, now()),
		     next_retry = NULL,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, result,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: mark job completed: %w", err)
	}
	return job, nil
}

// MarkJobFailedRetry records a handler failure. The attempt counter is
// bumped and the message classified: non-retryable errors and exhausted
// attempt budgets fail the job terminally; anything else requeues it with
// the shared back-off schedule. Returns whether the job was requeued.
func (db *DB) MarkJobFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, errCtx map[string]any) (model.Job, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("storage: begin fail-retry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, false, ErrNotFound
		}
		return model.Job{}, false, fmt.Errorf("storage: lock job for fail-retry: %w", err)
	}

	attempts++
	truncated := backoff.Truncate(errMsg)
	terminal := !backoff.Retryable(errMsg) || attempts >= maxAttempts

	var row pgx.Row
	if terminal {
		row = tx.QueryRow(ctx,
			`UPDATE jobs
			 SET status = 'FAILED', attempts = $2, error_message = $3, error_context = $4,
			     last_attempt = now(), completed_at = now(), next_retry = NULL, updated_at = now()
			 WHERE id = $1
			 RETURNING `+jobColumns,
			id, attempts, truncated, errCtx,
		)
	} else {
		row = tx.QueryRow(ctx,
			`UPDATE jobs
			 SET status = 'PENDING', attempts = $2, error_message = $3, error_context = $4,
			     last_attempt = now(), next_retry = now() + make_interval(secs => $5), updated_at = now()
			 WHERE id = $1
			 RETURNING `+jobColumns,
			id, attempts, truncated, errCtx, backoff.Delay(attempts).Seconds(),
		)
	}

	job, err := scanJob(row)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("storage: mark job failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Job{}, false, fmt.Errorf("storage: commit fail-retry: %w", err)
	}
	return job, !terminal, nil
}

// StuckThreshold is how long a job may sit in_progress before it is presumed
// orphaned by a dead worker and recovered.
const StuckThreshold = 30 * time.Minute

// RecoverStuckJobs resets in-progress jobs whose started_at is strictly older
// than the threshold back to pending, immediately eligible, with an
// explanatory error message. Returns the number of rows recovered.
func (db *DB) RecoverStuckJobs(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'PENDING', next_retry = now(),
		     error_message = $2, updated_at = now()
		 WHERE status = 'IN_PROGRESS' AND started_at < now() - make_interval(secs => $1)`,
		threshold.Seconds(),
		fmt.Sprintf("recovered: job exceeded the %s in-progress window, worker presumed dead", threshold),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: recover stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ManualRetryJob moves a failed or stuck (in-progress) job back to pending,
// immediately eligible, clearing its error state. With resetAttempts the
// attempt counter restarts from zero.
func (db *DB) ManualRetryJob(ctx context.Context, id uuid.UUID, resetAttempts bool) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'PENDING', next_retry = now(),
		     error_message = NULL, error_context = NULL, completed_at = NULL,
		     attempts = CASE WHEN $2 THEN 0 ELSE attempts END,
		     updated_at = now()
		 WHERE id = $1 AND status IN ('FAILED', 'IN_PROGRESS')
		 RETURNING `+jobColumns,
		id, resetAttempts,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, fmt.Errorf("storage: manual retry job: %w", err)
	}

	// Distinguish "missing" from "not retryable in its current state".
	existing, getErr := db.GetJob(ctx, id)
	if getErr != nil {
		return model.Job{}, getErr
	}
	return model.Job{}, fmt.Errorf("storage: job %s is %s and cannot be retried", id, existing.Status.Label())
}

// CancelJob deletes a job only while it is still pending. In-progress jobs
// are left to complete so a partially committed handler is never raced.
// Returns whether a row was removed.
func (db *DB) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status = 'PENDING'`, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// JobFilters holds optional filters for listing jobs.
type JobFilters struct {
	Status  *model.JobStatus
	JobType *model.JobType
}

// ListJobs returns jobs matching the filters, newest first.
func (db *DB) ListJobs(ctx context.Context, filters JobFilters, limit, offset int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	arg := 1
	if filters.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, arg)
		args = append(args, *filters.Status)
		arg++
	}
	if filters.JobType != nil {
		query += fmt.Sprintf(` AND job_type = $%d`, arg)
		args = append(args, *filters.JobType)
		arg++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	return scanJobs(rows)
}
