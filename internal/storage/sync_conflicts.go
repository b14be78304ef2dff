package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/npdlabs/npd/internal/model"
)

const conflictColumns = `id, entity_type, entity_id, npd_data, external_data, conflict_fields,
	detected_at, resolved_at, resolution_type, resolved_by_id`

func scanConflict(row pgx.Row) (model.SyncConflict, error) {
	var c model.SyncConflict
	err := row.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &c.NPDData, &c.ExternalData, &c.ConflictFields,
		&c.DetectedAt, &c.ResolvedAt, &c.ResolutionType, &c.ResolvedByID,
	)
	return c, err
}

// CreateSyncConflict records a detected divergence. If an unresolved conflict
// already exists for the entity, its snapshots and field list are refreshed
// in place rather than stacking a second open conflict.
func (db *DB) CreateSyncConflict(ctx context.Context, c model.SyncConflict) (model.SyncConflict, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE sync_conflicts
		 SET npd_data = $3, external_data = $4, conflict_fields = $5, detected_at = now()
		 WHERE entity_type = $1 AND entity_id = $2 AND resolved_at IS NULL
		 RETURNING `+conflictColumns,
		c.EntityType, c.EntityID, c.NPDData, c.ExternalData, c.ConflictFields,
	)
	existing, err := scanConflict(row)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.SyncConflict{}, fmt.Errorf("storage: refresh sync conflict: %w", err)
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.DetectedAt = time.Now().UTC()
	_, err = db.pool.Exec(ctx,
		`INSERT INTO sync_conflicts (id, entity_type, entity_id, npd_data, external_data,
		 conflict_fields, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.EntityType, c.EntityID, c.NPDData, c.ExternalData, c.ConflictFields, c.DetectedAt,
	)
	if err != nil {
		return model.SyncConflict{}, fmt.Errorf("storage: create sync conflict: %w", err)
	}
	return c, nil
}

// GetSyncConflict retrieves a conflict by ID.
func (db *DB) GetSyncConflict(ctx context.Context, id uuid.UUID) (model.SyncConflict, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncConflict{}, ErrNotFound
		}
		return model.SyncConflict{}, fmt.Errorf("storage: get sync conflict: %w", err)
	}
	return c, nil
}

// ListOpenSyncConflicts returns unresolved conflicts, oldest first, optionally
// restricted to one entity type.
func (db *DB) ListOpenSyncConflicts(ctx context.Context, entityType *model.EntityType, limit, offset int) ([]model.SyncConflict, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE resolved_at IS NULL`
	args := []any{}
	if entityType != nil {
		query += ` AND entity_type = $1`
		args = append(args, *entityType)
	}
	query += fmt.Sprintf(` ORDER BY detected_at ASC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list open sync conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan sync conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolved stamps a conflict resolved. The first resolution wins:
// a conflict already carrying resolved_at is returned unchanged so repeated
// resolve calls stay idempotent.
func (db *DB) MarkConflictResolved(ctx context.Context, id uuid.UUID, resolution model.ResolutionType, resolvedBy *uuid.UUID) (model.SyncConflict, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE sync_conflicts
		 SET resolved_at = COALESCE(resolved_at, now()),
		     resolution_type = COALESCE(resolution_type, $2),
		     resolved_by_id = COALESCE(resolved_by_id, $3)
		 WHERE id = $1
		 RETURNING `+conflictColumns,
		id, resolution, resolvedBy,
	)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncConflict{}, ErrNotFound
		}
		return model.SyncConflict{}, fmt.Errorf("storage: mark conflict resolved: %w", err)
	}
	return c, nil
}
