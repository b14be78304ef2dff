package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/npdlabs/npd/internal/model"
)

// AutoResolver applies configured per-field resolution rules at conflict
// detection time. A conflict every field of which is covered by a rule is
// resolved in place and never persisted.
type AutoResolver struct {
	store  Store
	egress *Egress
	logger *slog.Logger
}

// NewAutoResolver wires the rule engine.
func NewAutoResolver(store Store, egress *Egress, logger *slog.Logger) *AutoResolver {
	return &AutoResolver{store: store, egress: egress, logger: logger}
}

// TryResolve attempts rule-based resolution of a detected conflict. Fields
// covered by an enabled rule are applied immediately; any remainder is left
// in conflict.ConflictFields for the caller to record. Returns true only
// when every field was covered and nothing is left to persist.
func (a *AutoResolver) TryResolve(ctx context.Context, conflict *model.SyncConflict) (bool, error) {
	rules, err := a.store.ListEnabledRules(ctx, conflict.EntityType)
	if err != nil {
		return false, fmt.Errorf("sync: load resolution rules: %w", err)
	}
	if len(rules) == 0 {
		return false, nil
	}

	// First enabled rule for a field wins; rules arrive in priority order.
	ruleFor := make(map[string]model.PreferredSource)
	for _, r := range rules {
		if _, seen := ruleFor[r.FieldName]; !seen {
			ruleFor[r.FieldName] = r.PreferredSource
		}
	}

	chosen := make(map[string]any, len(conflict.ConflictFields))
	var residual []string
	for _, field := range conflict.ConflictFields {
		source, ok := ruleFor[field]
		if !ok {
			a.logger.Debug("conflict field has no resolution rule",
				"entity_type", string(conflict.EntityType), "field", field)
			residual = append(residual, field)
			continue
		}
		if source == model.SourceLocal {
			chosen[field] = conflict.NPDData[field]
		} else {
			chosen[field] = conflict.ExternalData[field]
		}
	}
	if len(chosen) == 0 {
		return false, nil
	}

	if err := a.applyResolution(ctx, conflict, chosen); err != nil {
		return false, err
	}
	a.logger.Info("conflict fields auto-resolved by rules",
		"entity_type", string(conflict.EntityType), "entity_id", conflict.EntityID,
		"resolved", len(chosen), "remaining", len(residual))

	// The remainder, if any, is recorded as a narrower conflict.
	conflict.ConflictFields = residual
	return len(residual) == 0, nil
}

// applyResolution writes the chosen values locally and pushes the merged
// record back to the board so both sides converge.
func (a *AutoResolver) applyResolution(ctx context.Context, conflict *model.SyncConflict, chosen map[string]any) error {
	switch conflict.EntityType {
	case model.EntityTypeContact:
		c, err := a.store.GetContact(ctx, conflict.EntityID)
		if err != nil {
			return fmt.Errorf("sync: load contact for auto-resolution: %w", err)
		}
		for field, v := range chosen {
			applyContactField(&c, field, v)
		}
		if err := a.store.ApplyContactInbound(ctx, c); err != nil {
			return fmt.Errorf("sync: apply auto-resolved contact: %w", err)
		}
		return a.egress.PushContact(ctx, c.ID)

	case model.EntityTypeOrganization:
		o, err := a.store.GetOrganization(ctx, conflict.EntityID)
		if err != nil {
			return fmt.Errorf("sync: load organization for auto-resolution: %w", err)
		}
		for field, v := range chosen {
			applyOrganizationField(&o, field, v)
		}
		if err := a.store.ApplyOrganizationInbound(ctx, o); err != nil {
			return fmt.Errorf("sync: apply auto-resolved organization: %w", err)
		}
		return a.egress.PushOrganization(ctx, o.ID)

	default:
		return fmt.Errorf("sync: unknown entity type %q", conflict.EntityType)
	}
}
