package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// EventType names the board webhook event kinds.
type EventType string

const (
	EventItemCreated EventType = "create_item"
	EventItemUpdated EventType = "update_item"
	EventItemDeleted EventType = "delete_item"
)

// ParseEventType validates a webhook event type.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventItemCreated, EventItemUpdated, EventItemDeleted:
		return EventType(s), nil
	default:
		return "", fmt.Errorf("sync: unknown event type %q", s)
	}
}

// Outcome summarizes what one inbound event did.
type Outcome struct {
	Action   string `json:"action"` // created, updated, linked, unlinked, conflict, auto_resolved, skipped
	EntityID string `json:"entity_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Ingress applies board-side changes locally.
type Ingress struct {
	store    Store
	client   BoardAPI
	resolver *AutoResolver
	logger   *slog.Logger
}

// NewIngress wires the inbound half of the reconciler.
func NewIngress(store Store, client BoardAPI, resolver *AutoResolver, logger *slog.Logger) *Ingress {
	return &Ingress{store: store, client: client, resolver: resolver, logger: logger}
}

// HandleEvent dispatches one webhook event.
func (in *Ingress) HandleEvent(ctx context.Context, boardType board.BoardType, eventType EventType, item board.Item) (Outcome, error) {
	switch boardType {
	case board.BoardContacts:
		return in.handleContactEvent(ctx, eventType, item)
	case board.BoardOrganizations:
		return in.handleOrganizationEvent(ctx, eventType, item)
	default:
		return Outcome{}, fmt.Errorf("sync: unknown board type %q", boardType)
	}
}

func (in *Ingress) handleContactEvent(ctx context.Context, eventType EventType, item board.Item) (Outcome, error) {
	if eventType == EventItemDeleted {
		return in.unlinkContact(ctx, item.ID)
	}

	incoming := contactFromItem(item)
	if incoming.Email == "" {
		// Contacts are keyed by email locally; an item without one cannot
		// be linked or created.
		in.logger.Info("skipping board contact without email", "item_id", item.ID)
		return Outcome{Action: "skipped", Reason: "contact has no email"}, nil
	}

	local, err := in.store.GetContactByExternalID(ctx, item.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return in.adoptContact(ctx, item, incoming)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("sync: look up contact by external id: %w", err)
	}

	if !local.InboundAllowed() {
		in.logger.Debug("contact ingress skipped by sync gating",
			"contact_id", local.ID, "direction", local.SyncDirection.Label(), "enabled", local.SyncEnabled)
		return Outcome{Action: "skipped", EntityID: local.ID.String(), Reason: "inbound sync disabled"}, nil
	}

	localSnap := contactSnapshot(local)
	externalSnap := contactSnapshot(incoming)
	changed := diffFields(model.EntityTypeContact, localSnap, externalSnap)
	if len(changed) == 0 {
		now := time.Now().UTC()
		if err := in.store.UpdateContactSyncState(ctx, local.ID, local.ExternalID, model.SyncStatusSynced, &now); err != nil {
			return Outcome{}, fmt.Errorf("sync: refresh contact sync state: %w", err)
		}
		return Outcome{Action: "updated", EntityID: local.ID.String(), Reason: "no changes"}, nil
	}

	if modifiedSinceLastSync(local.UpdatedAt, local.ExternalLastSyncedAt) {
		return in.conflictContact(ctx, local, localSnap, externalSnap, changed)
	}

	merged := local
	for _, field := range changed {
		applyContactField(&merged, field, externalSnap[field])
	}
	if err := in.store.ApplyContactInbound(ctx, merged); err != nil {
		return Outcome{}, fmt.Errorf("sync: apply contact inbound: %w", err)
	}
	now := time.Now().UTC()
	if err := in.store.UpdateContactSyncState(ctx, local.ID, local.ExternalID, model.SyncStatusSynced, &now); err != nil {
		return Outcome{}, fmt.Errorf("sync: record contact sync state: %w", err)
	}
	return Outcome{Action: "updated", EntityID: local.ID.String()}, nil
}

// adoptContact links an unlinked local contact with a matching email, or
// creates a new local contact from the board item.
func (in *Ingress) adoptContact(ctx context.Context, item board.Item, incoming model.Contact) (Outcome, error) {
	existing, err := in.store.GetContactByEmail(ctx, incoming.Email)
	if err == nil {
		now := time.Now().UTC()
		if err := in.store.UpdateContactSyncState(ctx, existing.ID, &item.ID, model.SyncStatusSynced, &now); err != nil {
			return Outcome{}, fmt.Errorf("sync: link contact: %w", err)
		}
		in.logger.Info("linked board item to existing contact", "contact_id", existing.ID, "item_id", item.ID)
		return Outcome{Action: "linked", EntityID: existing.ID.String()}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("sync: look up contact by email: %w", err)
	}

	now := time.Now().UTC()
	incoming.SyncState = model.SyncState{
		ExternalID:           &item.ID,
		ExternalLastSyncedAt: &now,
		SyncStatus:           model.SyncStatusSynced,
		SyncDirection:        model.SyncDirectionBidirectional,
		SyncEnabled:          true,
	}
	created, err := in.store.CreateContact(ctx, incoming)
	if err != nil {
		return Outcome{}, fmt.Errorf("sync: create contact from board item: %w", err)
	}
	in.logger.Info("created contact from board item", "contact_id", created.ID, "item_id", item.ID)
	return Outcome{Action: "created", EntityID: created.ID.String()}, nil
}

// conflictContact records or auto-resolves a contact conflict.
func (in *Ingress) conflictContact(ctx context.Context, local model.Contact, localSnap, externalSnap map[string]any, changed []string) (Outcome, error) {
	conflict := model.SyncConflict{
		EntityType:     model.EntityTypeContact,
		EntityID:       local.ID,
		NPDData:        localSnap,
		ExternalData:   externalSnap,
		ConflictFields: changed,
	}

	resolved, err := in.resolver.TryResolve(ctx, &conflict)
	if err != nil {
		return Outcome{}, err
	}
	if resolved {
		return Outcome{Action: "auto_resolved", EntityID: local.ID.String()}, nil
	}

	if _, err := in.store.CreateSyncConflict(ctx, conflict); err != nil {
		return Outcome{}, fmt.Errorf("sync: record contact conflict: %w", err)
	}
	if err := in.store.SetContactSyncStatus(ctx, local.ID, model.SyncStatusConflict); err != nil {
		return Outcome{}, fmt.Errorf("sync: mark contact conflicted: %w", err)
	}
	in.logger.Warn("contact sync conflict detected", "contact_id", local.ID, "fields", conflict.ConflictFields)
	return Outcome{Action: "conflict", EntityID: local.ID.String()}, nil
}

func (in *Ingress) unlinkContact(ctx context.Context, itemID string) (Outcome, error) {
	local, err := in.store.GetContactByExternalID(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Action: "skipped", Reason: "no linked contact"}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("sync: look up contact for unlink: %w", err)
	}

	// Board deletions never delete local data; the contact is just unlinked.
	if err := in.store.UpdateContactSyncState(ctx, local.ID, nil, model.SyncStatusPending, nil); err != nil {
		return Outcome{}, fmt.Errorf("sync: unlink contact: %w", err)
	}
	in.logger.Info("unlinked contact after board deletion", "contact_id", local.ID, "item_id", itemID)
	return Outcome{Action: "unlinked", EntityID: local.ID.String()}, nil
}

func (in *Ingress) handleOrganizationEvent(ctx context.Context, eventType EventType, item board.Item) (Outcome, error) {
	if eventType == EventItemDeleted {
		return in.unlinkOrganization(ctx, item.ID)
	}

	incoming := organizationFromItem(item)
	if incoming.Name == "" {
		in.logger.Info("skipping board organization without name", "item_id", item.ID)
		return Outcome{Action: "skipped", Reason: "organization has no name"}, nil
	}

	local, err := in.store.GetOrganizationByExternalID(ctx, item.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return in.adoptOrganization(ctx, item, incoming)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("sync: look up organization by external id: %w", err)
	}

	if !local.InboundAllowed() {
		in.logger.Debug("organization ingress skipped by sync gating",
			"organization_id", local.ID, "direction", local.SyncDirection.Label(), "enabled", local.SyncEnabled)
		return Outcome{Action: "skipped", EntityID: local.ID.String(), Reason: "inbound sync disabled"}, nil
	}

	localSnap := organizationSnapshot(local)
	externalSnap := organizationSnapshot(incoming)
	changed := diffFields(model.EntityTypeOrganization, localSnap, externalSnap)
	if len(changed) == 0 {
		now := time.Now().UTC()
		if err := in.store.UpdateOrganizationSyncState(ctx, local.ID, local.ExternalID, model.SyncStatusSynced, &now); err != nil {
			return Outcome{}, fmt.Errorf("sync: refresh organization sync state: %w", err)
		}
		return Outcome{Action: "updated", EntityID: local.ID.String(), Reason: "no changes"}, nil
	}

	if modifiedSinceLastSync(local.UpdatedAt, local.ExternalLastSyncedAt) {
		return in.conflictOrganization(ctx, local, localSnap, externalSnap, changed)
	}

	merged := local
	for _, field := range changed {
		applyOrganizationField(&merged, field, externalSnap[field])
	}
	if err := in.store.ApplyOrganizationInbound(ctx, merged); err != nil {
		return Outcome{}, fmt.Errorf("sync: apply organization inbound: %w", err)
	}
	now := time.Now().UTC()
	if err := in.store.UpdateOrganizationSyncState(ctx, local.ID, local.ExternalID, model.SyncStatusSynced, &now); err != nil {
		return Outcome{}, fmt.Errorf("sync: record organization sync state: %w", err)
	}
	return Outcome{Action: "updated", EntityID: local.ID.String()}, nil
}

func (in *Ingress) adoptOrganization(ctx context.Context, item board.Item, incoming model.Organization) (Outcome, error) {
	existing, err := in.store.GetOrganizationByName(ctx, incoming.Name)
	if err == nil {
		now := time.Now().UTC()
		if err := in.store.UpdateOrganizationSyncState(ctx, existing.ID, &item.ID, model.SyncStatusSynced, &now); err != nil {
			return Outcome{}, fmt.Errorf("sync: link organization: %w", err)
		}
		in.logger.Info("linked board item to existing organization", "organization_id", existing.ID, "item_id", item.ID)
		return Outcome{Action: "linked", EntityID: existing.ID.String()}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("sync: look up organization by name: %w", err)
	}

	now := time.Now().UTC()
	incoming.SyncState = model.SyncState{
		ExternalID:           &item.ID,
		ExternalLastSyncedAt: &now,
		SyncStatus:           model.SyncStatusSynced,
		SyncDirection:        model.SyncDirectionBidirectional,
		SyncEnabled:          true,
	}
	created, err := in.store.CreateOrganization(ctx, incoming)
	if err != nil {
		return Outcome{}, fmt.Errorf("sync: create organization from board item: %w", err)
	}
	in.logger.Info("created organization from board item", "organization_id", created.ID, "item_id", item.ID)
	return Outcome{Action: "created", EntityID: created.ID.String()}, nil
}

func (in *Ingress) conflictOrganization(ctx context.Context, local model.Organization, localSnap, externalSnap map[string]any, changed []string) (Outcome, error) {
	conflict := model.SyncConflict{
		EntityType:     model.EntityTypeOrganization,
		EntityID:       local.ID,
		NPDData:        localSnap,
		ExternalData:   externalSnap,
		ConflictFields: changed,
	}

	resolved, err := in.resolver.TryResolve(ctx, &conflict)
	if err != nil {
		return Outcome{}, err
	}
	if resolved {
		return Outcome{Action: "auto_resolved", EntityID: local.ID.String()}, nil
	}

	if _, err := in.store.CreateSyncConflict(ctx, conflict); err != nil {
		return Outcome{}, fmt.Errorf("sync: record organization conflict: %w", err)
	}
	if err := in.store.SetOrganizationSyncStatus(ctx, local.ID, model.SyncStatusConflict); err != nil {
		return Outcome{}, fmt.Errorf("sync: mark organization conflicted: %w", err)
	}
	in.logger.Warn("organization sync conflict detected", "organization_id", local.ID, "fields", conflict.ConflictFields)
	return Outcome{Action: "conflict", EntityID: local.ID.String()}, nil
}

func (in *Ingress) unlinkOrganization(ctx context.Context, itemID string) (Outcome, error) {
	local, err := in.store.GetOrganizationByExternalID(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Action: "skipped", Reason: "no linked organization"}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("sync: look up organization for unlink: %w", err)
	}

	if err := in.store.UpdateOrganizationSyncState(ctx, local.ID, nil, model.SyncStatusPending, nil); err != nil {
		return Outcome{}, fmt.Errorf("sync: unlink organization: %w", err)
	}
	in.logger.Info("unlinked organization after board deletion", "organization_id", local.ID, "item_id", itemID)
	return Outcome{Action: "unlinked", EntityID: local.ID.String()}, nil
}

// modifiedSinceLastSync is the conflict predicate: the local row changed
// after the last successful sync. A never-synced entity cannot conflict.
func modifiedSinceLastSync(updatedAt time.Time, lastSynced *time.Time) bool {
	if lastSynced == nil {
		return false
	}
	return updatedAt.After(*lastSynced)
}

// WalkResult aggregates one full board reconciliation.
type WalkResult struct {
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Linked       int `json:"linked"`
	Conflicts    int `json:"conflicts"`
	AutoResolved int `json:"auto_resolved"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// ReconcileBoard walks every item on a board through the update path,
// page by page. An unconfigured board is a no-op, and per-item failures are
// counted and logged, not fatal.
func (in *Ingress) ReconcileBoard(ctx context.Context, boardType board.BoardType) (WalkResult, error) {
	var res WalkResult
	if !in.client.Configured(boardType) {
		in.logger.Debug("board walk skipped, integration not configured", "board", string(boardType))
		return res, nil
	}
	var cursor *string
	for {
		page, err := in.client.GetBoardItems(ctx, boardType, cursor, 100)
		if err != nil {
			return res, fmt.Errorf("sync: fetch board page: %w", err)
		}
		for _, item := range page.Items {
			outcome, err := in.HandleEvent(ctx, boardType, EventItemUpdated, item)
			if err != nil {
				res.Errors++
				in.logger.Error("board walk item failed", "board", string(boardType), "item_id", item.ID, "error", err)
				continue
			}
			switch outcome.Action {
			case "created":
				res.Created++
			case "updated":
				res.Updated++
			case "linked":
				res.Linked++
			case "conflict":
				res.Conflicts++
			case "auto_resolved":
				res.AutoResolved++
			default:
				res.Skipped++
			}
		}
		if page.Cursor == nil {
			return res, nil
		}
		cursor = page.Cursor
	}
}

// BoardSyncHandler adapts ReconcileBoard to the queue handler signature for
// the CONTACT_BOARD_SYNC and ORGANIZATION_BOARD_SYNC job types.
func (in *Ingress) BoardSyncHandler(boardType board.BoardType) func(ctx context.Context, job *model.Job) (map[string]any, error) {
	return func(ctx context.Context, job *model.Job) (map[string]any, error) {
		res, err := in.ReconcileBoard(ctx, boardType)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"created":       res.Created,
			"updated":       res.Updated,
			"linked":        res.Linked,
			"conflicts":     res.Conflicts,
			"auto_resolved": res.AutoResolved,
			"skipped":       res.Skipped,
			"errors":        res.Errors,
		}, nil
	}
}
