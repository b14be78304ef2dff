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

const contactColumns = `id, first_name, last_name, email, phone, phone_country, status,
	organization_id, external_id, external_last_synced_at, sync_status, sync_direction,
	sync_enabled, created_at, updated_at`

func scanContact(row pgx.Row) (model.Contact, error) {
	var c model.Contact
	err := row.Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.PhoneCountry, &c.Status,
		&c.OrganizationID, &c.ExternalID, &c.ExternalLastSyncedAt, &c.SyncStatus, &c.SyncDirection,
		&c.SyncEnabled, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// CreateContact inserts a new contact.
func (db *DB) CreateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = model.SyncStatusPending
	}
	if c.SyncDirection == "" {
		c.SyncDirection = model.SyncDirectionBidirectional
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO contacts (id, first_name, last_name, email, phone, phone_country, status,
		 organization_id, external_id, external_last_synced_at, sync_status, sync_direction,
		 sync_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.FirstName, c.LastName, c.Email, c.Phone, c.PhoneCountry, c.Status,
		c.OrganizationID, c.ExternalID, c.ExternalLastSyncedAt, c.SyncStatus, c.SyncDirection,
		c.SyncEnabled, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Contact{}, fmt.Errorf("storage: create contact: %w", err)
	}
	return c, nil
}

// GetContact retrieves a contact by ID.
func (db *DB) GetContact(ctx context.Context, id uuid.UUID) (model.Contact, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, ErrNotFound
		}
		return model.Contact{}, fmt.Errorf("storage: get contact: %w", err)
	}
	return c, nil
}

// GetContactByExternalID retrieves a contact by its board item id.
func (db *DB) GetContactByExternalID(ctx context.Context, externalID string) (model.Contact, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE external_id = $1`, externalID)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, ErrNotFound
		}
		return model.Contact{}, fmt.Errorf("storage: get contact by external id: %w", err)
	}
	return c, nil
}

// GetContactByEmail retrieves a contact by email.
func (db *DB) GetContactByEmail(ctx context.Context, email string) (model.Contact, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE LOWER(email) = LOWER($1)`, email)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, ErrNotFound
		}
		return model.Contact{}, fmt.Errorf("storage: get contact by email: %w", err)
	}
	return c, nil
}

// UpdateContact updates a contact's application fields and bumps updated_at.
// Sync bookkeeping columns are written separately by UpdateContactSyncState
// so that applying board changes does not mark the record locally modified.
func (db *DB) UpdateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	c.UpdatedAt = time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE contacts SET first_name = $1, last_name = $2, email = $3, phone = $4,
		 phone_country = $5, status = $6, organization_id = $7, updated_at = $8
		 WHERE id = $9`,
		c.FirstName, c.LastName, c.Email, c.Phone,
		c.PhoneCountry, c.Status, c.OrganizationID, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return model.Contact{}, fmt.Errorf("storage: update contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Contact{}, ErrNotFound
	}
	return c, nil
}

// ApplyContactInbound writes board-sourced field values without touching
// updated_at, so inbound sync does not register as a local modification.
func (db *DB) ApplyContactInbound(ctx context.Context, c model.Contact) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE contacts SET first_name = $1, last_name = $2, email = $3, phone = $4,
		 phone_country = $5, status = $6
		 WHERE id = $7`,
		c.FirstName, c.LastName, c.Email, c.Phone, c.PhoneCountry, c.Status, c.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: apply contact inbound: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContactSyncState writes the sync bookkeeping columns. Passing a nil
// externalID clears the link (used when the board item is deleted).
func (db *DB) UpdateContactSyncState(ctx context.Context, id uuid.UUID, externalID *string, status model.SyncStatus, syncedAt *time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE contacts SET external_id = $1, sync_status = $2, external_last_synced_at = $3
		 WHERE id = $4`,
		externalID, status, syncedAt, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update contact sync state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetContactSyncStatus updates only the sync status column.
func (db *DB) SetContactSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE contacts SET sync_status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set contact sync status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
