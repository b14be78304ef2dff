package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
)

// Resolver performs human-driven conflict resolution.
type Resolver struct {
	store  Store
	egress *Egress
	logger *slog.Logger
}

// NewResolver wires manual resolution.
func NewResolver(store Store, egress *Egress, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, egress: egress, logger: logger}
}

// Resolve applies a resolution to one conflict. For merge, mergeSources maps
// field names to "local" or "external"; fields outside the sync whitelist
// are skipped silently and unspecified fields keep the local value.
// Resolving an already-resolved conflict is a no-op returning the existing
// record.
func (r *Resolver) Resolve(ctx context.Context, conflictID uuid.UUID, resolution model.ResolutionType, mergeSources map[string]string, resolvedBy *uuid.UUID) (model.SyncConflict, error) {
	conflict, err := r.store.GetSyncConflict(ctx, conflictID)
	if err != nil {
		return model.SyncConflict{}, fmt.Errorf("sync: load conflict: %w", err)
	}
	if conflict.Resolved() {
		return conflict, nil
	}

	chosen, err := r.chooseValues(conflict, resolution, mergeSources)
	if err != nil {
		return model.SyncConflict{}, err
	}

	if err := r.applyValues(ctx, conflict, chosen); err != nil {
		return model.SyncConflict{}, err
	}

	resolved, err := r.store.MarkConflictResolved(ctx, conflictID, resolution, resolvedBy)
	if err != nil {
		return model.SyncConflict{}, fmt.Errorf("sync: mark conflict resolved: %w", err)
	}
	r.logger.Info("sync conflict resolved",
		"conflict_id", conflictID,
		"entity_type", string(conflict.EntityType),
		"entity_id", conflict.EntityID,
		"resolution", resolution.Label(),
	)
	return resolved, nil
}

// BulkResolve applies one resolution type to many conflicts. Merge needs
// per-field choices and is rejected for bulk use. Individual failures do not
// stop the batch.
func (r *Resolver) BulkResolve(ctx context.Context, conflictIDs []uuid.UUID, resolution model.ResolutionType, resolvedBy *uuid.UUID) (model.BulkResolutionOutcome, error) {
	if resolution == model.ResolutionMerge {
		return model.BulkResolutionOutcome{}, fmt.Errorf("sync: merge resolution requires per-field choices and cannot be applied in bulk")
	}

	outcome := model.BulkResolutionOutcome{Total: len(conflictIDs)}
	for _, id := range conflictIDs {
		if _, err := r.Resolve(ctx, id, resolution, nil, resolvedBy); err != nil {
			outcome.Failed++
			outcome.Results = append(outcome.Results, model.BulkResolutionResult{
				ConflictID: id, Success: false, Error: err.Error(),
			})
			continue
		}
		outcome.Succeeded++
		outcome.Results = append(outcome.Results, model.BulkResolutionResult{ConflictID: id, Success: true})
	}
	return outcome, nil
}

// chooseValues computes the winning value for every conflicting field.
func (r *Resolver) chooseValues(conflict model.SyncConflict, resolution model.ResolutionType, mergeSources map[string]string) (map[string]any, error) {
	chosen := make(map[string]any, len(conflict.ConflictFields))

	switch resolution {
	case model.ResolutionKeepLocal:
		for _, field := range conflict.ConflictFields {
			chosen[field] = conflict.NPDData[field]
		}
	case model.ResolutionKeepExternal:
		for _, field := range conflict.ConflictFields {
			chosen[field] = conflict.ExternalData[field]
		}
	case model.ResolutionMerge:
		for field, source := range mergeSources {
			if !isSyncField(conflict.EntityType, field) {
				// Ids, timestamps, and other non-synced keys are ignored,
				// not errors: clients often echo the whole snapshot back.
				continue
			}
			switch source {
			case "local":
				chosen[field] = conflict.NPDData[field]
			case "external":
				chosen[field] = conflict.ExternalData[field]
			default:
				return nil, fmt.Errorf("sync: invalid merge source %q for field %q", source, field)
			}
		}
	default:
		return nil, fmt.Errorf("sync: unknown resolution type %q", resolution)
	}
	return chosen, nil
}

// applyValues writes the chosen values locally and pushes the result to the
// board.
func (r *Resolver) applyValues(ctx context.Context, conflict model.SyncConflict, chosen map[string]any) error {
	switch conflict.EntityType {
	case model.EntityTypeContact:
		c, err := r.store.GetContact(ctx, conflict.EntityID)
		if err != nil {
			return fmt.Errorf("sync: load contact for resolution: %w", err)
		}
		for field, v := range chosen {
			applyContactField(&c, field, v)
		}
		if err := r.store.ApplyContactInbound(ctx, c); err != nil {
			return fmt.Errorf("sync: apply resolved contact: %w", err)
		}
		return r.egress.PushContact(ctx, c.ID)

	case model.EntityTypeOrganization:
		o, err := r.store.GetOrganization(ctx, conflict.EntityID)
		if err != nil {
			return fmt.Errorf("sync: load organization for resolution: %w", err)
		}
		for field, v := range chosen {
			applyOrganizationField(&o, field, v)
		}
		if err := r.store.ApplyOrganizationInbound(ctx, o); err != nil {
			return fmt.Errorf("sync: apply resolved organization: %w", err)
		}
		return r.egress.PushOrganization(ctx, o.ID)

	default:
		return fmt.Errorf("sync: unknown entity type %q", conflict.EntityType)
	}
}
