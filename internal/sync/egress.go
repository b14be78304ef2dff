package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// Egress pushes local entity changes to the board.
type Egress struct {
	store  Store
	client BoardAPI
	logger *slog.Logger
}

// NewEgress wires the outbound half of the reconciler.
func NewEgress(store Store, client BoardAPI, logger *slog.Logger) *Egress {
	return &Egress{store: store, client: client, logger: logger}
}

// PushContact pushes one contact to the board. On board failure the contact
// is marked pending and a deduplicated egress job is enqueued so the
// sync-queue tick retries with back-off.
func (e *Egress) PushContact(ctx context.Context, contactID uuid.UUID) error {
	if err := e.pushContact(ctx, contactID); err != nil {
		return e.deferContact(ctx, contactID, err)
	}
	return nil
}

// PushOrganization is PushContact for organizations.
func (e *Egress) PushOrganization(ctx context.Context, orgID uuid.UUID) error {
	if err := e.pushOrganization(ctx, orgID); err != nil {
		return e.deferOrganization(ctx, orgID, err)
	}
	return nil
}

// PushContactBackground is the absorbing variant used on API write paths:
// the caller's request must not fail because the board is down, so failures
// are logged and left to the queued egress job.
func (e *Egress) PushContactBackground(ctx context.Context, contactID uuid.UUID) {
	if err := e.PushContact(ctx, contactID); err != nil {
		e.logger.Warn("background contact egress failed, queued for retry",
			"contact_id", contactID, "error", err)
	}
}

// PushOrganizationBackground is the absorbing variant of PushOrganization.
func (e *Egress) PushOrganizationBackground(ctx context.Context, orgID uuid.UUID) {
	if err := e.PushOrganization(ctx, orgID); err != nil {
		e.logger.Warn("background organization egress failed, queued for retry",
			"organization_id", orgID, "error", err)
	}
}

// ContactEgressHandler adapts the contact push to the queue's handler
// signature for CONTACT_EGRESS jobs. No defer step: inside the queue the job
// itself is the retry mechanism.
func (e *Egress) ContactEgressHandler(ctx context.Context, job *model.Job) (map[string]any, error) {
	if job.EntityID == nil {
		return nil, fmt.Errorf("invalid egress job: missing entity id")
	}
	if err := e.pushContact(ctx, *job.EntityID); err != nil {
		return nil, err
	}
	return map[string]any{"contact_id": job.EntityID.String()}, nil
}

// OrganizationEgressHandler adapts the organization push for
// ORGANIZATION_EGRESS jobs.
func (e *Egress) OrganizationEgressHandler(ctx context.Context, job *model.Job) (map[string]any, error) {
	if job.EntityID == nil {
		return nil, fmt.Errorf("invalid egress job: missing entity id")
	}
	if err := e.pushOrganization(ctx, *job.EntityID); err != nil {
		return nil, err
	}
	return map[string]any{"organization_id": job.EntityID.String()}, nil
}

// pushContact does the actual work. An unconfigured board integration and
// entities whose sync state does not allow outbound flow are both skipped
// without error. An unlinked contact is first matched against the board by
// email so an existing item is adopted instead of duplicated.
func (e *Egress) pushContact(ctx context.Context, contactID uuid.UUID) error {
	if !e.client.Configured(board.BoardContacts) {
		e.logger.Debug("contact egress skipped, board integration not configured", "contact_id", contactID)
		return nil
	}

	c, err := e.store.GetContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("sync: load contact for egress: %w", err)
	}
	if !c.OutboundAllowed() {
		e.logger.Debug("contact egress skipped by sync gating",
			"contact_id", c.ID, "direction", c.SyncDirection.Label(), "enabled", c.SyncEnabled)
		return nil
	}

	values := ContactColumnValues(c)

	if c.ExternalID == nil && c.Email != "" {
		items, err := e.client.SearchContacts(ctx, c.Email)
		if err != nil {
			return fmt.Errorf("sync: search board by email: %w", err)
		}
		if len(items) > 0 {
			c.ExternalID = &items[0].ID
		}
	}

	externalID, err := e.writeItem(ctx, board.BoardContacts, c.ExternalID, ContactItemName(c), values)
	if err != nil {
		return fmt.Errorf("sync: push contact to board: %w", err)
	}

	now := time.Now().UTC()
	if err := e.store.UpdateContactSyncState(ctx, c.ID, &externalID, model.SyncStatusSynced, &now); err != nil {
		return fmt.Errorf("sync: record contact sync state: %w", err)
	}
	e.logger.Info("contact pushed to board", "contact_id", c.ID, "external_id", externalID)
	return nil
}

func (e *Egress) pushOrganization(ctx context.Context, orgID uuid.UUID) error {
	if !e.client.Configured(board.BoardOrganizations) {
		e.logger.Debug("organization egress skipped, board integration not configured", "organization_id", orgID)
		return nil
	}

	o, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("sync: load organization for egress: %w", err)
	}
	if !o.OutboundAllowed() {
		e.logger.Debug("organization egress skipped by sync gating",
			"organization_id", o.ID, "direction", o.SyncDirection.Label(), "enabled", o.SyncEnabled)
		return nil
	}

	externalID, err := e.writeItem(ctx, board.BoardOrganizations, o.ExternalID, o.Name, OrganizationColumnValues(o))
	if err != nil {
		return fmt.Errorf("sync: push organization to board: %w", err)
	}

	now := time.Now().UTC()
	if err := e.store.UpdateOrganizationSyncState(ctx, o.ID, &externalID, model.SyncStatusSynced, &now); err != nil {
		return fmt.Errorf("sync: record organization sync state: %w", err)
	}
	e.logger.Info("organization pushed to board", "organization_id", o.ID, "external_id", externalID)
	return nil
}

// writeItem updates the linked item or creates one. A linked item that
// vanished on the board side is recreated.
func (e *Egress) writeItem(ctx context.Context, b board.BoardType, externalID *string, name string, values map[string]any) (string, error) {
	if externalID == nil {
		return e.client.CreateItem(ctx, b, name, values)
	}

	err := e.client.UpdateItem(ctx, b, *externalID, values)
	var nf *board.NotFoundError
	if errors.As(err, &nf) {
		e.logger.Warn("linked board item missing, recreating", "board", string(b), "external_id", *externalID)
		return e.client.CreateItem(ctx, b, name, values)
	}
	if err != nil {
		return "", err
	}
	return *externalID, nil
}

// deferContact marks the contact pending and enqueues a deduplicated egress
// retry job.
func (e *Egress) deferContact(ctx context.Context, id uuid.UUID, cause error) error {
	if err := e.store.SetContactSyncStatus(ctx, id, model.SyncStatusPending); err != nil {
		e.logger.Error("mark contact pending after egress failure", "contact_id", id, "error", err)
	}
	entityType := string(model.EntityTypeContact)
	if _, err := e.store.CreateJob(ctx, storage.CreateJobParams{
		JobType:     model.JobTypeContactEgress,
		EntityType:  &entityType,
		EntityID:    &id,
		Deduplicate: true,
	}); err != nil {
		e.logger.Error("enqueue contact egress retry", "contact_id", id, "error", err)
	}
	return cause
}

func (e *Egress) deferOrganization(ctx context.Context, id uuid.UUID, cause error) error {
	if err := e.store.SetOrganizationSyncStatus(ctx, id, model.SyncStatusPending); err != nil {
		e.logger.Error("mark organization pending after egress failure", "organization_id", id, "error", err)
	}
	entityType := string(model.EntityTypeOrganization)
	if _, err := e.store.CreateJob(ctx, storage.CreateJobParams{
		JobType:     model.JobTypeOrgEgress,
		EntityType:  &entityType,
		EntityID:    &id,
		Deduplicate: true,
	}); err != nil {
		e.logger.Error("enqueue organization egress retry", "organization_id", id, "error", err)
	}
	return cause
}
