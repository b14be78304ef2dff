package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// Store is the reconciler's view of persistence, satisfied by *storage.DB.
type Store interface {
	GetContact(ctx context.Context, id uuid.UUID) (model.Contact, error)
	GetContactByExternalID(ctx context.Context, externalID string) (model.Contact, error)
	GetContactByEmail(ctx context.Context, email string) (model.Contact, error)
	CreateContact(ctx context.Context, c model.Contact) (model.Contact, error)
	ApplyContactInbound(ctx context.Context, c model.Contact) error
	UpdateContactSyncState(ctx context.Context, id uuid.UUID, externalID *string, status model.SyncStatus, syncedAt *time.Time) error
	SetContactSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error

	GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error)
	GetOrganizationByExternalID(ctx context.Context, externalID string) (model.Organization, error)
	GetOrganizationByName(ctx context.Context, name string) (model.Organization, error)
	CreateOrganization(ctx context.Context, o model.Organization) (model.Organization, error)
	ApplyOrganizationInbound(ctx context.Context, o model.Organization) error
	UpdateOrganizationSyncState(ctx context.Context, id uuid.UUID, externalID *string, status model.SyncStatus, syncedAt *time.Time) error
	SetOrganizationSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error

	CreateJob(ctx context.Context, p storage.CreateJobParams) (model.Job, error)

	CreateSyncConflict(ctx context.Context, c model.SyncConflict) (model.SyncConflict, error)
	GetSyncConflict(ctx context.Context, id uuid.UUID) (model.SyncConflict, error)
	MarkConflictResolved(ctx context.Context, id uuid.UUID, resolution model.ResolutionType, resolvedBy *uuid.UUID) (model.SyncConflict, error)
	ListEnabledRules(ctx context.Context, entityType model.EntityType) ([]model.AutoResolutionRule, error)
}

// BoardAPI is the subset of the board client the reconciler uses.
type BoardAPI interface {
	Configured(b board.BoardType) bool
	CreateItem(ctx context.Context, b board.BoardType, name string, columnValues map[string]any) (string, error)
	UpdateItem(ctx context.Context, b board.BoardType, itemID string, columnValues map[string]any) error
	DeleteItem(ctx context.Context, b board.BoardType, itemID string) error
	GetBoardItems(ctx context.Context, b board.BoardType, cursor *string, pageSize int) (board.ItemPage, error)
	SearchContacts(ctx context.Context, email string) ([]board.Item, error)
}
