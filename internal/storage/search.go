package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// SearchFilters narrow every search leg identically. TagGroups carries one
// group per tag the caller originally selected: a project matches a group if
// it carries any tag in it, and must match every group. Synonym expansion
// widens the groups before they reach storage.
type SearchFilters struct {
	Statuses       []string
	OrganizationID *uuid.UUID
	OwnerID        *uuid.UUID
	StartDateFrom  *time.Time
	StartDateTo    *time.Time
	TagGroups      [][]uuid.UUID
}

// projectFilterSQL renders the shared WHERE fragment against an aliased
// projects table. Conditions are appended to args; the returned fragment
// starts with " AND" or is empty.
func projectFilterSQL(alias string, f SearchFilters, args *[]any) string {
	var sql string
	if len(f.Statuses) > 0 {
		*args = append(*args, f.Statuses)
		sql += fmt.Sprintf(" AND %s.status = ANY($%d)", alias, len(*args))
	}
	if f.OrganizationID != nil {
		*args = append(*args, *f.OrganizationID)
		sql += fmt.Sprintf(" AND %s.organization_id = $%d", alias, len(*args))
	}
	if f.OwnerID != nil {
		*args = append(*args, *f.OwnerID)
		sql += fmt.Sprintf(" AND %s.owner_id = $%d", alias, len(*args))
	}
	if f.StartDateFrom != nil {
		*args = append(*args, *f.StartDateFrom)
		sql += fmt.Sprintf(" AND %s.start_date >= $%d", alias, len(*args))
	}
	if f.StartDateTo != nil {
		*args = append(*args, *f.StartDateTo)
		sql += fmt.Sprintf(" AND %s.start_date <= $%d", alias, len(*args))
	}
	for _, group := range f.TagGroups {
		if len(group) == 0 {
			continue
		}
		*args = append(*args, group)
		sql += fmt.Sprintf(" AND %s.tag_ids && $%d::uuid[]", alias, len(*args))
	}
	return sql
}

func scanRankedIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan ranked id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RankProjectsByText returns project ids ranked by full-text relevance of the
// project's own name and description against the query.
func (db *DB) RankProjectsByText(ctx context.Context, query string, f SearchFilters, limit int) ([]uuid.UUID, error) {
	args := []any{query}
	filter := projectFilterSQL("p", f, &args)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx,
		`SELECT p.id
		 FROM projects p, websearch_to_tsquery('english', $1) q
		 WHERE p.search_vector @@ q`+filter+`
		 ORDER BY ts_rank(p.search_vector, q) DESC, p.id ASC
		 LIMIT $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: rank projects by text: %w", err)
	}
	return scanRankedIDs(rows)
}

// RankProjectsByDocuments returns project ids ranked by the summed full-text
// relevance of each project's documents. A project appears once; several
// moderately matching documents outrank a single strong one.
func (db *DB) RankProjectsByDocuments(ctx context.Context, query string, f SearchFilters, limit int) ([]uuid.UUID, error) {
	args := []any{query}
	filter := projectFilterSQL("p", f, &args)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx,
		`SELECT ranked.project_id
		 FROM (
		     SELECT d.project_id, SUM(ts_rank(d.search_vector, q)) AS rank
		     FROM documents d
		     JOIN projects p ON p.id = d.project_id,
		          websearch_to_tsquery('english', $1) q
		     WHERE d.search_vector @@ q`+filter+`
		     GROUP BY d.project_id
		 ) ranked
		 ORDER BY ranked.rank DESC, ranked.project_id ASC
		 LIMIT $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: rank projects by documents: %w", err)
	}
	return scanRankedIDs(rows)
}

// RankProjectsByVector returns project ids ranked by the closest chunk
// embedding to the query vector under cosine distance. Chunks without an
// embedding never participate.
func (db *DB) RankProjectsByVector(ctx context.Context, queryVec pgvector.Vector, f SearchFilters, limit int) ([]uuid.UUID, error) {
	args := []any{queryVec}
	filter := projectFilterSQL("p", f, &args)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx,
		`SELECT ranked.project_id
		 FROM (
		     SELECT DISTINCT ON (d.project_id)
		            d.project_id, c.embedding <=> $1 AS distance
		     FROM document_chunks c
		     JOIN documents d ON d.id = c.document_id
		     JOIN projects p ON p.id = d.project_id
		     WHERE c.embedding IS NOT NULL`+filter+`
		     ORDER BY d.project_id, distance ASC
		 ) ranked
		 ORDER BY ranked.distance ASC, ranked.project_id ASC
		 LIMIT $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: rank projects by vector: %w", err)
	}
	return scanRankedIDs(rows)
}

// FilterProjectIDs returns all project ids matching the filters, with no
// ranking. Serves empty-query searches.
func (db *DB) FilterProjectIDs(ctx context.Context, f SearchFilters) ([]uuid.UUID, error) {
	args := []any{}
	filter := projectFilterSQL("p", f, &args)

	rows, err := db.pool.Query(ctx,
		`SELECT p.id FROM projects p WHERE true`+filter+` ORDER BY p.updated_at DESC, p.id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: filter project ids: %w", err)
	}
	return scanRankedIDs(rows)
}
