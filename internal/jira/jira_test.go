package jira

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/backoff"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

type fakeJiraStore struct {
	links    []model.JiraLink
	statuses map[uuid.UUID]string
	missing  map[uuid.UUID]bool
	lastTTL  time.Duration
}

func (s *fakeJiraStore) ListStaleJiraLinks(ctx context.Context, ttl time.Duration, limit int) ([]model.JiraLink, error) {
	s.lastTTL = ttl
	return s.links, nil
}

func (s *fakeJiraStore) UpdateJiraLinkStatus(ctx context.Context, id uuid.UUID, status string) error {
	if s.missing[id] {
		return storage.ErrNotFound
	}
	if s.statuses == nil {
		s.statuses = map[uuid.UUID]string{}
	}
	s.statuses[id] = status
	return nil
}

type fakeStatusGetter struct {
	statuses map[string]string
	err      error
}

func (g *fakeStatusGetter) IssueStatus(ctx context.Context, key string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if st, ok := g.statuses[key]; ok {
		return st, nil
	}
	return "", errors.New("jira: issue " + key + " not found")
}

func link(key string) model.JiraLink {
	return model.JiraLink{ID: uuid.New(), ProjectID: uuid.New(), IssueKey: key}
}

func TestRefreshUpdatesStaleLinks(t *testing.T) {
	store := &fakeJiraStore{links: []model.JiraLink{link("NPD-1"), link("NPD-2")}}
	getter := &fakeStatusGetter{statuses: map[string]string{"NPD-1": "In Progress", "NPD-2": "Done"}}
	r := NewRefresher(store, getter, 0, slog.New(slog.DiscardHandler))

	result, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result["links_checked"])
	assert.Equal(t, 2, result["links_updated"])
	assert.Equal(t, 0, result["links_failed"])
	assert.Equal(t, "In Progress", store.statuses[store.links[0].ID])
}

func TestRefreshCountsPerLinkFailures(t *testing.T) {
	store := &fakeJiraStore{links: []model.JiraLink{link("NPD-1"), link("GONE-9")}}
	getter := &fakeStatusGetter{statuses: map[string]string{"NPD-1": "Done"}}
	r := NewRefresher(store, getter, 0, slog.New(slog.DiscardHandler))

	result, err := r.Refresh(context.Background())
	require.NoError(t, err, "partial failure is not a job failure")

	assert.Equal(t, 1, result["links_updated"])
	assert.Equal(t, 1, result["links_failed"])
}

func TestRefreshFailsWhenEveryFetchFails(t *testing.T) {
	store := &fakeJiraStore{links: []model.JiraLink{link("NPD-1")}}
	getter := &fakeStatusGetter{err: errors.New("connection refused")}
	r := NewRefresher(store, getter, 0, slog.New(slog.DiscardHandler))

	_, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, backoff.Retryable(err.Error()), "a dead Jira must ride the back-off schedule")
}

func TestRefreshSkipsLinksDeletedMidRun(t *testing.T) {
	l := link("NPD-1")
	store := &fakeJiraStore{links: []model.JiraLink{l}, missing: map[uuid.UUID]bool{l.ID: true}}
	getter := &fakeStatusGetter{statuses: map[string]string{"NPD-1": "Done"}}
	r := NewRefresher(store, getter, 0, slog.New(slog.DiscardHandler))

	result, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result["links_updated"])
}

func TestRefresherTTLReachesStalenessQuery(t *testing.T) {
	store := &fakeJiraStore{}
	r := NewRefresher(store, &fakeStatusGetter{}, 15*time.Minute, slog.New(slog.DiscardHandler))

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, store.lastTTL)

	r = NewRefresher(store, &fakeStatusGetter{}, 0, slog.New(slog.DiscardHandler))
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultStatusTTL, store.lastTTL, "non-positive TTL falls back to the default")
}

func TestRefreshNoStaleLinks(t *testing.T) {
	r := NewRefresher(&fakeJiraStore{}, &fakeStatusGetter{}, 0, slog.New(slog.DiscardHandler))

	result, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result["links_checked"])
}

func TestClientIssueStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/NPD-7", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"fields":{"status":{"name":"In Review"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Second)
	status, err := c.IssueStatus(context.Background(), "NPD-7")
	require.NoError(t, err)
	assert.Equal(t, "In Review", status)
}

func TestClientErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		code      int
		retryable bool
	}{
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))
		c := NewClient(srv.URL, "tok", time.Second)

		_, err := c.IssueStatus(context.Background(), "NPD-1")
		require.Error(t, err)
		assert.Equal(t, tc.retryable, backoff.Retryable(err.Error()), "status %d", tc.code)
		srv.Close()
	}
}
