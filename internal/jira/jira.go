// Package jira refreshes cached Jira issue statuses for project links.
// Statuses are fetched lazily by the JIRA_REFRESH queue job and cached on
// the link row; the search and admin surfaces only ever read the cache.
package jira

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/queue"
	"github.com/npdlabs/npd/internal/storage"
)

// StatusGetter fetches the current status of one issue.
type StatusGetter interface {
	IssueStatus(ctx context.Context, issueKey string) (string, error)
}

// Store is the refresher's view of persistence.
type Store interface {
	ListStaleJiraLinks(ctx context.Context, ttl time.Duration, limit int) ([]model.JiraLink, error)
	UpdateJiraLinkStatus(ctx context.Context, id uuid.UUID, status string) error
}

const (
	// DefaultStatusTTL is how long a cached status stays fresh.
	DefaultStatusTTL = time.Hour
	// DefaultBatchSize bounds one refresh run.
	DefaultBatchSize = 100
)

// Refresher re-fetches stale cached statuses.
type Refresher struct {
	store  Store
	client StatusGetter
	ttl    time.Duration
	batch  int
	logger *slog.Logger
}

// NewRefresher wires a refresher. A non-positive ttl falls back to
// DefaultStatusTTL.
func NewRefresher(store Store, client StatusGetter, ttl time.Duration, logger *slog.Logger) *Refresher {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &Refresher{
		store:  store,
		client: client,
		ttl:    ttl,
		batch:  DefaultBatchSize,
		logger: logger,
	}
}

// Refresh fetches fresh statuses for all links stale under the TTL.
// Per-link fetch failures are counted, not fatal; the run errors only when
// every fetch failed, so a dead Jira rides the job back-off schedule.
func (r *Refresher) Refresh(ctx context.Context) (map[string]any, error) {
	links, err := r.store.ListStaleJiraLinks(ctx, r.ttl, r.batch)
	if err != nil {
		return nil, fmt.Errorf("jira: list stale links: %w", err)
	}

	var updated, failed int
	var firstErr error
	for _, link := range links {
		status, err := r.client.IssueStatus(ctx, link.IssueKey)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("issue status fetch failed",
				"issue_key", link.IssueKey, "error", err)
			continue
		}
		if err := r.store.UpdateJiraLinkStatus(ctx, link.ID, status); err != nil {
			// Link deleted between the list and the write; nothing to cache.
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("jira: cache status for %s: %w", link.IssueKey, err)
		}
		updated++
	}

	if len(links) > 0 && updated == 0 && failed == len(links) {
		return nil, fmt.Errorf("jira: all %d status fetches failed: %w", failed, firstErr)
	}
	return map[string]any{
		"links_checked": len(links),
		"links_updated": updated,
		"links_failed":  failed,
	}, nil
}

// Handler adapts the refresher to the job queue. The JIRA_REFRESH job is
// enqueued with no entity, so dedup makes it a global singleton.
func (r *Refresher) Handler() queue.Handler {
	return func(ctx context.Context, _ *model.Job) (map[string]any, error) {
		return r.Refresh(ctx)
	}
}
