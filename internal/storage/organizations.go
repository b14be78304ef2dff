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

const organizationColumns = `id, name, domain, industry, status,
	external_id, external_last_synced_at, sync_status, sync_direction,
	sync_enabled, created_at, updated_at`

func scanOrganization(row pgx.Row) (model.Organization, error) {
	var o model.Organization
	err := row.Scan(
		&o.ID, &o.Name, &o.Domain, &o.Industry, &o.Status,
		&o.ExternalID, &o.ExternalLastSyncedAt, &o.SyncStatus, &o.SyncDirection,
		&o.SyncEnabled, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// CreateOrganization inserts a new organization.
func (db *DB) CreateOrganization(ctx context.Context, o model.Organization) (model.Organization, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.SyncStatus == "" {
		o.SyncStatus = model.SyncStatusPending
	}
	if o.SyncDirection == "" {
		o.SyncDirection = model.SyncDirectionBidirectional
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, domain, industry, status,
		 external_id, external_last_synced_at, sync_status, sync_direction,
		 sync_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.Name, o.Domain, o.Industry, o.Status,
		o.ExternalID, o.ExternalLastSyncedAt, o.SyncStatus, o.SyncDirection,
		o.SyncEnabled, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: create organization: %w", err)
	}
	return o, nil
}

// GetOrganization retrieves an organization by ID.
func (db *DB) GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	o, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, ErrNotFound
		}
		return model.Organization{}, fmt.Errorf("storage: get organization: %w", err)
	}
	return o, nil
}

// GetOrganizationByExternalID retrieves an organization by its board item id.
func (db *DB) GetOrganizationByExternalID(ctx context.Context, externalID string) (model.Organization, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE external_id = $1`, externalID)
	o, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, ErrNotFound
		}
		return model.Organization{}, fmt.Errorf("storage: get organization by external id: %w", err)
	}
	return o, nil
}

// GetOrganizationByName retrieves an organization by exact name.
func (db *DB) GetOrganizationByName(ctx context.Context, name string) (model.Organization, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE name = $1`, name)
	o, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, ErrNotFound
		}
		return model.Organization{}, fmt.Errorf("storage: get organization by name: %w", err)
	}
	return o, nil
}

// UpdateOrganization updates application fields and bumps updated_at.
func (db *DB) UpdateOrganization(ctx context.Context, o model.Organization) (model.Organization, error) {
	o.UpdatedAt = time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE organizations SET name = $1, domain = $2, industry = $3, status = $4, updated_at = $5
		 WHERE id = $6`,
		o.Name, o.Domain, o.Industry, o.Status, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: update organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Organization{}, ErrNotFound
	}
	return o, nil
}

// ApplyOrganizationInbound writes board-sourced field values without touching
// updated_at, so inbound sync does not register as a local modification.
func (db *DB) ApplyOrganizationInbound(ctx context.Context, o model.Organization) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE organizations SET name = $1, domain = $2, industry = $3, status = $4
		 WHERE id = $5`,
		o.Name, o.Domain, o.Industry, o.Status, o.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: apply organization inbound: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrganizationSyncState writes the sync bookkeeping columns.
func (db *DB) UpdateOrganizationSyncState(ctx context.Context, id uuid.UUID, externalID *string, status model.SyncStatus, syncedAt *time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE organizations SET external_id = $1, sync_status = $2, external_last_synced_at = $3
		 WHERE id = $4`,
		externalID, status, syncedAt, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update organization sync state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOrganizationSyncStatus updates only the sync status column.
func (db *DB) SetOrganizationSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE organizations SET sync_status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set organization sync status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
