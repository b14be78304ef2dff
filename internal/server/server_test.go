package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/auth"
	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/search"
	"github.com/npdlabs/npd/internal/storage"
	"github.com/npdlabs/npd/internal/sync"
)

const testToken = "test-cron-token"

type fakeStore struct {
	jobs         map[uuid.UUID]*model.Job
	createdJobs  []storage.CreateJobParams
	tags         []model.Tag
	rules        []model.AutoResolutionRule
	pingErr      error
	tagDuplicate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[uuid.UUID]*model.Job{}}
}

func (s *fakeStore) CreateJob(ctx context.Context, p storage.CreateJobParams) (model.Job, error) {
	s.createdJobs = append(s.createdJobs, p)
	j := model.Job{ID: uuid.New(), JobType: p.JobType, Status: model.JobStatusPending}
	s.jobs[j.ID] = &j
	return j, nil
}

func (s *fakeStore) ListJobs(ctx context.Context, f storage.JobFilters, limit, offset int) ([]model.Job, error) {
	var out []model.Job
	for _, j := range s.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		if f.JobType != nil && j.JobType != *f.JobType {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *fakeStore) ManualRetryJob(ctx context.Context, id uuid.UUID, reset bool) (model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, storage.ErrNotFound
	}
	if j.Status == model.JobStatusCompleted {
		return model.Job{}, errors.New("storage: job is completed and cannot be retried")
	}
	j.Status = model.JobStatusPending
	if reset {
		j.Attempts = 0
	}
	return *j, nil
}

func (s *fakeStore) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	j, ok := s.jobs[id]
	if !ok || j.Status != model.JobStatusPending {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *fakeStore) ListDocumentTasks(ctx context.Context, status *model.JobStatus, limit, offset int) ([]model.DocumentTask, error) {
	return nil, nil
}

func (s *fakeStore) ManualRetryDocumentTask(ctx context.Context, id uuid.UUID, reset bool) (model.DocumentTask, error) {
	return model.DocumentTask{}, storage.ErrNotFound
}

func (s *fakeStore) CancelDocumentTask(ctx context.Context, id uuid.UUID) (bool, error) {
	return false, nil
}

func (s *fakeStore) ListOpenSyncConflicts(ctx context.Context, et *model.EntityType, limit, offset int) ([]model.SyncConflict, error) {
	return nil, nil
}

func (s *fakeStore) CreateResolutionRule(ctx context.Context, r model.AutoResolutionRule) (model.AutoResolutionRule, error) {
	r.ID = uuid.New()
	s.rules = append(s.rules, r)
	return r, nil
}

func (s *fakeStore) ListResolutionRules(ctx context.Context) ([]model.AutoResolutionRule, error) {
	return s.rules, nil
}

func (s *fakeStore) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return storage.ErrNotFound
}

func (s *fakeStore) DeleteResolutionRule(ctx context.Context, id uuid.UUID) error {
	return storage.ErrNotFound
}

func (s *fakeStore) CreateTag(ctx context.Context, name, tagType string) (model.Tag, error) {
	if s.tagDuplicate {
		return model.Tag{}, storage.ErrDuplicate
	}
	t := model.Tag{ID: uuid.New(), Name: name, Type: tagType}
	s.tags = append(s.tags, t)
	return t, nil
}

func (s *fakeStore) ListTags(ctx context.Context) ([]model.Tag, error) { return s.tags, nil }

func (s *fakeStore) CreateTagSynonym(ctx context.Context, a, b uuid.UUID, conf float64, by *string) (model.TagSynonym, error) {
	return model.TagSynonym{TagID: a, SynonymTagID: b, Confidence: conf}, nil
}

func (s *fakeStore) DeleteTagSynonym(ctx context.Context, a, b uuid.UUID) error { return nil }

func (s *fakeStore) MergeTags(ctx context.Context, target, source uuid.UUID) (int, error) {
	return 2, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

type fakeTicker struct {
	lastTypes []model.JobType
	ticks     int
}

func (t *fakeTicker) Tick(ctx context.Context, types []model.JobType) (model.TickResult, error) {
	t.ticks++
	t.lastTypes = types
	return model.TickResult{Status: "success", ItemsProcessed: 1, ItemsSucceeded: 1,
		Errors: []string{}, Timestamp: time.Now().UTC()}, nil
}

type fakeTaskTicker struct{ ticks int }

func (t *fakeTaskTicker) Tick(ctx context.Context) (model.TickResult, error) {
	t.ticks++
	return model.TickResult{Status: "success", Errors: []string{}, Timestamp: time.Now().UTC()}, nil
}

type fakeIngress struct {
	lastBoard board.BoardType
	lastEvent sync.EventType
	lastItem  board.Item
	outcome   sync.Outcome
	err       error
}

func (f *fakeIngress) HandleEvent(ctx context.Context, bt board.BoardType, et sync.EventType, item board.Item) (sync.Outcome, error) {
	f.lastBoard, f.lastEvent, f.lastItem = bt, et, item
	return f.outcome, f.err
}

type fakeResolver struct{}

func (f *fakeResolver) Resolve(ctx context.Context, id uuid.UUID, res model.ResolutionType, merge map[string]string, by *uuid.UUID) (model.SyncConflict, error) {
	return model.SyncConflict{}, storage.ErrNotFound
}

func (f *fakeResolver) BulkResolve(ctx context.Context, ids []uuid.UUID, res model.ResolutionType, by *uuid.UUID) (model.BulkResolutionOutcome, error) {
	return model.BulkResolutionOutcome{Total: len(ids)}, nil
}

type fakeSearcher struct{ lastParams search.Params }

func (f *fakeSearcher) Search(ctx context.Context, p search.Params, filters storage.SearchFilters) (search.Result, error) {
	f.lastParams = p
	return search.Result{Projects: []model.Project{}, Total: 0}, nil
}

type testEnv struct {
	store    *fakeStore
	queue    *fakeTicker
	docQueue *fakeTaskTicker
	ingress  *fakeIngress
	searcher *fakeSearcher
	server   *Server
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	hash, err := auth.HashToken(testToken)
	require.NoError(t, err)

	env := &testEnv{
		store:    newFakeStore(),
		queue:    &fakeTicker{},
		docQueue: &fakeTaskTicker{},
		ingress:  &fakeIngress{outcome: sync.Outcome{Action: "updated"}},
		searcher: &fakeSearcher{},
	}
	cfg := Config{
		Store:        env.store,
		Queue:        env.queue,
		DocQueue:     env.docQueue,
		Ingress:      env.ingress,
		Resolver:     &fakeResolver{},
		Searcher:     env.searcher,
		Logger:       slog.New(slog.DiscardHandler),
		APITokenHash: hash,
		BoardIDs: map[string]board.BoardType{
			"board-contacts": board.BoardContacts,
			"board-orgs":     board.BoardOrganizations,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.server = New(cfg)
	return env
}

func (e *testEnv) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}
