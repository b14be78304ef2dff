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

// fakeSyncStore implements Store in memory with the same not-found and
// refresh-in-place semantics as the real layer.
type fakeSyncStore struct {
	contacts  map[uuid.UUID]*model.Contact
	orgs      map[uuid.UUID]*model.Organization
	jobs      []storage.CreateJobParams
	conflicts map[uuid.UUID]*model.SyncConflict
	rules     []model.AutoResolutionRule
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		contacts:  make(map[uuid.UUID]*model.Contact),
		orgs:      make(map[uuid.UUID]*model.Organization),
		conflicts: make(map[uuid.UUID]*model.SyncConflict),
	}
}

func (s *fakeSyncStore) GetContact(ctx context.Context, id uuid.UUID) (model.Contact, error) {
	c, ok := s.contacts[id]
	if !ok {
		return model.Contact{}, storage.ErrNotFound
	}
	return *c, nil
}

func (s *fakeSyncStore) GetContactByExternalID(ctx context.Context, externalID string) (model.Contact, error) {
	for _, c := range s.contacts {
		if c.ExternalID != nil && *c.ExternalID == externalID {
			return *c, nil
		}
	}
	return model.Contact{}, storage.ErrNotFound
}

func (s *fakeSyncStore) GetContactByEmail(ctx context.Context, email string) (model.Contact, error) {
	for _, c := range s.contacts {
		if c.Email == email {
			return *c, nil
		}
	}
	return model.Contact{}, storage.ErrNotFound
}

func (s *fakeSyncStore) CreateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.contacts[c.ID] = &c
	return c, nil
}

func (s *fakeSyncStore) ApplyContactInbound(ctx context.Context, c model.Contact) error {
	existing, ok := s.contacts[c.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.FirstName = c.FirstName
	existing.LastName = c.LastName
	existing.Email = c.Email
	existing.Phone = c.Phone
	existing.PhoneCountry = c.PhoneCountry
	existing.Status = c.Status
	return nil
}

func (s *fakeSyncStore) UpdateContactSyncState(ctx context.Context, id uuid.UUID, externalID *string, status model.SyncStatus, syncedAt *time.Time) error {
	c, ok := s.contacts[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.ExternalID = externalID
	c.SyncStatus = status
	c.ExternalLastSyncedAt = syncedAt
	return nil
}

func (s *fakeSyncStore) SetContactSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error {
	c, ok := s.contacts[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.SyncStatus = status
	return nil
}

func (s *fakeSyncStore) GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error) {
	o, ok := s.orgs[id]
	if !ok {
		return model.Organization{}, storage.ErrNotFound
	}
	return *o, nil
}

func (s *fakeSyncStore) GetOrganizationByExternalID(ctx context.Context, externalID string) (model.Organization, error) {
	for _, o := range s.orgs {
		if o.ExternalID != nil && *o.ExternalID == externalID {
			return *o, nil
		}
	}
	return model.Organization{}, storage.ErrNotFound
}

func (s *fakeSyncStore) GetOrganizationByName(ctx context.Context, name string) (model.Organization, error) {
	for _, o := range s.orgs {
		if o.Name == name {
			return *o, nil
		}
	}
	return model.Organization{}, storage.ErrNotFound
}

func (s *fakeSyncStore) CreateOrganization(ctx context.Context, o model.Organization) (model.Organization, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	s.orgs[o.ID] = &o
	return o, nil
}

func (s *fakeSyncStore) ApplyOrganizationInbound(ctx context.Context, o model.Organization) error {
	existing, ok := s.orgs[o.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.Name = o.Name
	existing.Domain = o.Domain
	existing.Industry = o.Industry
	existing.Status = o.Status
	return nil
}

func (s *fakeSyncStore) UpdateOrganizationSyncState(ctx context.Context, id uuid.UUID, externalID *string, status model.SyncStatus, syncedAt *time.Time) error {
	o, ok := s.orgs[id]
	if !ok {
		return storage.ErrNotFound
	}
	o.ExternalID = externalID
	o.SyncStatus = status
	o.ExternalLastSyncedAt = syncedAt
	return nil
}

func (s *fakeSyncStore) SetOrganizationSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error {
	o, ok := s.orgs[id]
	if !ok {
		return storage.ErrNotFound
	}
	o.SyncStatus = status
	return nil
}

func (s *fakeSyncStore) CreateJob(ctx context.Context, p storage.CreateJobParams) (model.Job, error) {
	s.jobs = append(s.jobs, p)
	return model.Job{ID: uuid.New(), JobType: p.JobType, Status: model.JobStatusPending}, nil
}

func (s *fakeSyncStore) CreateSyncConflict(ctx context.Context, c model.SyncConflict) (model.SyncConflict, error) {
	for _, existing := range s.conflicts {
		if existing.EntityType == c.EntityType && existing.EntityID == c.EntityID && !existing.Resolved() {
			existing.NPDData = c.NPDData
			existing.ExternalData = c.ExternalData
			existing.ConflictFields = c.ConflictFields
			return *existing, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.DetectedAt = time.Now().UTC()
	s.conflicts[c.ID] = &c
	return c, nil
}

func (s *fakeSyncStore) GetSyncConflict(ctx context.Context, id uuid.UUID) (model.SyncConflict, error) {
	c, ok := s.conflicts[id]
	if !ok {
		return model.SyncConflict{}, storage.ErrNotFound
	}
	return *c, nil
}

func (s *fakeSyncStore) MarkConflictResolved(ctx context.Context, id uuid.UUID, resolution model.ResolutionType, resolvedBy *uuid.UUID) (model.SyncConflict, error) {
	c, ok := s.conflicts[id]
	if !ok {
		return model.SyncConflict{}, storage.ErrNotFound
	}
	if c.ResolvedAt == nil {
		now := time.Now().UTC()
		c.ResolvedAt = &now
		c.ResolutionType = &resolution
		c.ResolvedByID = resolvedBy
	}
	return *c, nil
}

func (s *fakeSyncStore) ListEnabledRules(ctx context.Context, entityType model.EntityType) ([]model.AutoResolutionRule, error) {
	var out []model.AutoResolutionRule
	for _, r := range s.rules {
		if r.EntityType == entityType && r.IsEnabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeSyncStore) openConflicts() []*model.SyncConflict {
	var out []*model.SyncConflict
	for _, c := range s.conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

// fakeBoard is an in-memory BoardAPI.
type fakeBoard struct {
	items        map[board.BoardType]map[string]board.Item
	nextID       int
	failWrites   error
	unconfigured bool
	created      int
	updated      int
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		items: map[board.BoardType]map[string]board.Item{
			board.BoardContacts:      {},
			board.BoardOrganizations: {},
		},
	}
}

func (b *fakeBoard) Configured(bt board.BoardType) bool {
	return !b.unconfigured
}

func (b *fakeBoard) CreateItem(ctx context.Context, bt board.BoardType, name string, columnValues map[string]any) (string, error) {
	if b.failWrites != nil {
		return "", b.failWrites
	}
	b.nextID++
	id := fmt.Sprintf("item-%d", b.nextID)
	b.items[bt][id] = board.Item{ID: id, Name: name, ColumnValues: columnValues}
	b.created++
	return id, nil
}

func (b *fakeBoard) UpdateItem(ctx context.Context, bt board.BoardType, itemID string, columnValues map[string]any) error {
	if b.failWrites != nil {
		return b.failWrites
	}
	item, ok := b.items[bt][itemID]
	if !ok {
		return &board.NotFoundError{ItemID: itemID}
	}
	item.ColumnValues = columnValues
	b.items[bt][itemID] = item
	b.updated++
	return nil
}

func (b *fakeBoard) DeleteItem(ctx context.Context, bt board.BoardType, itemID string) error {
	if _, ok := b.items[bt][itemID]; !ok {
		return &board.NotFoundError{ItemID: itemID}
	}
	delete(b.items[bt], itemID)
	return nil
}

func (b *fakeBoard) GetBoardItems(ctx context.Context, bt board.BoardType, cursor *string, pageSize int) (board.ItemPage, error) {
	var items []board.Item
	for _, item := range b.items[bt] {
		items = append(items, item)
	}
	return board.ItemPage{Items: items}, nil
}

func (b *fakeBoard) SearchContacts(ctx context.Context, email string) ([]board.Item, error) {
	var out []board.Item
	for _, item := range b.items[board.BoardContacts] {
		if unwrapComposite(item.ColumnValues[colEmail], "email") == email {
			out = append(out, item)
		}
	}
	return out, nil
}

var errBoardDown = errors.New("board api timeout")

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newReconciler(store *fakeSyncStore, b *fakeBoard) (*Egress, *Ingress, *Resolver) {
	egress := NewEgress(store, b, discard())
	auto := NewAutoResolver(store, egress, discard())
	ingress := NewIngress(store, b, auto, discard())
	resolver := NewResolver(store, egress, discard())
	return egress, ingress, resolver
}
