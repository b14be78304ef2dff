package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/npdlabs/npd/internal/model"
)

const ruleColumns = `id, name, entity_type, field_name, preferred_source,
	is_enabled, priority, created_by_id, created_at, updated_at`

func scanRule(row pgx.Row) (model.AutoResolutionRule, error) {
	var r model.AutoResolutionRule
	err := row.Scan(
		&r.ID, &r.Name, &r.EntityType, &r.FieldName, &r.PreferredSource,
		&r.IsEnabled, &r.Priority, &r.CreatedByID, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateResolutionRule inserts an auto-resolution rule.
func (db *DB) CreateResolutionRule(ctx context.Context, r model.AutoResolutionRule) (model.AutoResolutionRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_resolution_rules (id, name, entity_type, field_name, preferred_source,
		 is_enabled, priority, created_by_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Name, r.EntityType, r.FieldName, r.PreferredSource,
		r.IsEnabled, r.Priority, r.CreatedByID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return model.AutoResolutionRule{}, fmt.Errorf("storage: create resolution rule: %w", err)
	}
	return r, nil
}

// ListEnabledRules returns the enabled rules for an entity type in evaluation
// order: ascending priority, then creation time as tiebreak.
func (db *DB) ListEnabledRules(ctx context.Context, entityType model.EntityType) ([]model.AutoResolutionRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM sync_resolution_rules
		 WHERE entity_type = $1 AND is_enabled
		 ORDER BY priority ASC, created_at ASC`,
		entityType,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AutoResolutionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan resolution rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListResolutionRules returns all rules regardless of enablement.
func (db *DB) ListResolutionRules(ctx context.Context) ([]model.AutoResolutionRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM sync_resolution_rules ORDER BY entity_type, priority ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list resolution rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AutoResolutionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan resolution rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleEnabled toggles a rule.
func (db *DB) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_resolution_rules SET is_enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled,
	)
	if err != nil {
		return fmt.Errorf("storage: set rule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteResolutionRule removes a rule.
func (db *DB) DeleteResolutionRule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM sync_resolution_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete resolution rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
