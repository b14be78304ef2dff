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

const projectColumns = `id, name, description, status, organization_id, owner_id,
	start_date, tag_ids, created_at, updated_at`

func scanProject(row pgx.Row) (model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Status, &p.OrganizationID, &p.OwnerID,
		&p.StartDate, &p.TagIDs, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func scanProjects(rows pgx.Rows) ([]model.Project, error) {
	defer rows.Close()
	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateProject inserts a new project.
func (db *DB) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.TagIDs == nil {
		p.TagIDs = []uuid.UUID{}
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO projects (id, name, description, status, organization_id, owner_id,
		 start_date, tag_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Name, p.Description, p.Status, p.OrganizationID, p.OwnerID,
		p.StartDate, p.TagIDs, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: create project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, ErrNotFound
		}
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	return p, nil
}

// GetProjectsByIDs hydrates projects in the exact order of the id slice.
// Missing ids are skipped rather than erroring, since search rankings can
// briefly reference rows deleted between fusion and hydration.
func (db *DB) GetProjectsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+projectColumns+`
		 FROM projects
		 JOIN unnest($1::uuid[]) WITH ORDINALITY AS ord(id, pos) USING (id)
		 ORDER BY ord.pos`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get projects by ids: %w", err)
	}
	return scanProjects(rows)
}

// GetProjectsSorted returns a page of the given candidate set ordered by a
// stored column. Used for non-relevance search sorts, which are applied at
// the database level over the full filtered set.
func (db *DB) GetProjectsSorted(ctx context.Context, ids []uuid.UUID, orderBy string, descending bool, limit, offset int) ([]model.Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var col string
	switch orderBy {
	case "name":
		col = "name"
	case "start_date":
		col = "start_date"
	case "updated_at":
		col = "updated_at"
	default:
		return nil, fmt.Errorf("storage: unsupported project sort column %q", orderBy)
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+projectColumns+`
		 FROM projects
		 WHERE id = ANY($1)
		 ORDER BY `+col+` `+dir+` NULLS LAST, id ASC
		 LIMIT $2 OFFSET $3`,
		ids, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get projects sorted: %w", err)
	}
	return scanProjects(rows)
}

// UpdateProject updates a project's fields and bumps updated_at.
func (db *DB) UpdateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.TagIDs == nil {
		p.TagIDs = []uuid.UUID{}
	}
	p.UpdatedAt = time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE projects SET name = $1, description = $2, status = $3, organization_id = $4,
		 owner_id = $5, start_date = $6, tag_ids = $7, updated_at = $8
		 WHERE id = $9`,
		p.Name, p.Description, p.Status, p.OrganizationID,
		p.OwnerID, p.StartDate, p.TagIDs, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Project{}, ErrNotFound
	}
	return p, nil
}

// DeleteProject removes a project. Documents and chunks cascade via FK.
func (db *DB) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
