package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/npdlabs/npd/internal/model"
)

const jiraLinkColumns = `id, project_id, issue_key, cached_status, status_fetched_at, created_at`

func scanJiraLink(row pgx.Row) (model.JiraLink, error) {
	var l model.JiraLink
	err := row.Scan(&l.ID, &l.ProjectID, &l.IssueKey, &l.CachedStatus, &l.StatusFetchedAt, &l.CreatedAt)
	return l, err
}

// CreateJiraLink associates a project with a Jira issue.
func (db *DB) CreateJiraLink(ctx context.Context, projectID uuid.UUID, issueKey string) (model.JiraLink, error) {
	l := model.JiraLink{ID: uuid.New(), ProjectID: projectID, IssueKey: issueKey, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO jira_links (id, project_id, issue_key, cached_status, created_at)
		 VALUES ($1, $2, $3, '', $4)`,
		l.ID, l.ProjectID, l.IssueKey, l.CreatedAt,
	)
	if err != nil {
		return model.JiraLink{}, fmt.Errorf("storage: create jira link: %w", err)
	}
	return l, nil
}

// ListStaleJiraLinks returns links whose cached status is older than the TTL
// or has never been fetched.
func (db *DB) ListStaleJiraLinks(ctx context.Context, ttl time.Duration, limit int) ([]model.JiraLink, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jiraLinkColumns+` FROM jira_links
		 WHERE status_fetched_at IS NULL
		    OR status_fetched_at < now() - make_interval(secs => $1)
		 ORDER BY status_fetched_at ASC NULLS FIRST
		 LIMIT $2`,
		ttl.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale jira links: %w", err)
	}
	defer rows.Close()

	var links []model.JiraLink
	for rows.Next() {
		l, err := scanJiraLink(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan jira link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// UpdateJiraLinkStatus writes a freshly fetched issue status.
func (db *DB) UpdateJiraLinkStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jira_links SET cached_status = $2, status_fetched_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("storage: update jira link status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJiraLink retrieves a link by ID.
func (db *DB) GetJiraLink(ctx context.Context, id uuid.UUID) (model.JiraLink, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+jiraLinkColumns+` FROM jira_links WHERE id = $1`, id)
	l, err := scanJiraLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JiraLink{}, ErrNotFound
		}
		return model.JiraLink{}, fmt.Errorf("storage: get jira link: %w", err)
	}
	return l, nil
}
