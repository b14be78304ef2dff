package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/npdlabs/npd/internal/model"
)

// CreateTag inserts a tag.
func (db *DB) CreateTag(ctx context.Context, name, tagType string) (model.Tag, error) {
	t := model.Tag{ID: uuid.New(), Name: name, Type: tagType, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tags (id, name, type, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.Type, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Tag{}, ErrDuplicate
		}
		return model.Tag{}, fmt.Errorf("storage: create tag: %w", err)
	}
	return t, nil
}

// GetTag retrieves a tag by ID.
func (db *DB) GetTag(ctx context.Context, id uuid.UUID) (model.Tag, error) {
	row := db.pool.QueryRow(ctx, `SELECT id, name, type, created_at FROM tags WHERE id = $1`, id)
	var t model.Tag
	if err := row.Scan(&t.ID, &t.Name, &t.Type, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tag{}, ErrNotFound
		}
		return model.Tag{}, fmt.Errorf("storage: get tag: %w", err)
	}
	return t, nil
}

// GetTagsByIDs resolves a batch of tag IDs. Missing IDs are absent from
// the result rather than an error.
func (db *DB) GetTagsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Tag, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.Tag{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, type, created_at FROM tags WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get tags by ids: %w", err)
	}
	defer rows.Close()

	tags := make(map[uuid.UUID]model.Tag, len(ids))
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tag: %w", err)
		}
		tags[t.ID] = t
	}
	return tags, rows.Err()
}

// ListTags returns all tags ordered by name.
func (db *DB) ListTags(ctx context.Context) ([]model.Tag, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, type, created_at FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tags: %w", err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// CreateTagSynonym records an undirected synonym edge between two tags.
// Self-edges are rejected, and an edge that already exists in either
// direction is a duplicate.
func (db *DB) CreateTagSynonym(ctx context.Context, tagID, synonymTagID uuid.UUID, confidence float64, createdBy *string) (model.TagSynonym, error) {
	if tagID == synonymTagID {
		return model.TagSynonym{}, fmt.Errorf("storage: tag cannot be its own synonym")
	}

	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM tag_synonyms
			WHERE (tag_id = $1 AND synonym_tag_id = $2)
			   OR (tag_id = $2 AND synonym_tag_id = $1)
		)`,
		tagID, synonymTagID,
	).Scan(&exists)
	if err != nil {
		return model.TagSynonym{}, fmt.Errorf("storage: check synonym edge: %w", err)
	}
	if exists {
		return model.TagSynonym{}, ErrDuplicate
	}

	s := model.TagSynonym{
		TagID:        tagID,
		SynonymTagID: synonymTagID,
		Confidence:   confidence,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO tag_synonyms (tag_id, synonym_tag_id, confidence, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.TagID, s.SynonymTagID, s.Confidence, s.CreatedBy, s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.TagSynonym{}, ErrDuplicate
		}
		return model.TagSynonym{}, fmt.Errorf("storage: create tag synonym: %w", err)
	}
	return s, nil
}

// DeleteTagSynonym removes the edge between two tags regardless of which
// direction it was stored in.
func (db *DB) DeleteTagSynonym(ctx context.Context, tagID, synonymTagID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tag_synonyms
		 WHERE (tag_id = $1 AND synonym_tag_id = $2)
		    OR (tag_id = $2 AND synonym_tag_id = $1)`,
		tagID, synonymTagID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete tag synonym: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SynonymNeighbors returns the tags adjacent to any of the given tags in the
// undirected synonym graph. One call per BFS frontier during closure
// expansion.
func (db *DB) SynonymNeighbors(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	if len(ids) == 0 {
		return map[uuid.UUID][]uuid.UUID{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT tag_id, synonym_tag_id FROM tag_synonyms
		 WHERE tag_id = ANY($1) OR synonym_tag_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: synonym neighbors: %w", err)
	}
	defer rows.Close()

	member := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}

	neighbors := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var a, b uuid.UUID
		if err := rows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("storage: scan synonym edge: %w", err)
		}
		if member[a] {
			neighbors[a] = append(neighbors[a], b)
		}
		if member[b] {
			neighbors[b] = append(neighbors[b], a)
		}
	}
	return neighbors, rows.Err()
}

// MergeTags folds the source tag into the target: projects tagged with the
// source are retagged with the target, synonym edges are re-pointed, and the
// source tag is deleted. Returns the number of projects updated.
func (db *DB) MergeTags(ctx context.Context, targetID, sourceID uuid.UUID) (int, error) {
	if targetID == sourceID {
		return 0, fmt.Errorf("storage: cannot merge a tag into itself")
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tag merge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE projects
		 SET tag_ids = (
		     SELECT COALESCE(array_agg(DISTINCT t), '{}')
		     FROM unnest(array_replace(tag_ids, $2, $1)) AS t
		 ),
		 updated_at = now()
		 WHERE $2 = ANY(tag_ids)`,
		targetID, sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: retag projects: %w", err)
	}
	updated := int(tag.RowsAffected())

	// Re-point surviving synonym edges, dropping any that would become a
	// self-edge or duplicate an existing edge on the target.
	if _, err := tx.Exec(ctx,
		`DELETE FROM tag_synonyms
		 WHERE (tag_id = $2 AND synonym_tag_id = $1)
		    OR (tag_id = $1 AND synonym_tag_id = $2)`,
		targetID, sourceID,
	); err != nil {
		return 0, fmt.Errorf("storage: drop merged edge: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM tag_synonyms s
		 WHERE (s.tag_id = $2 OR s.synonym_tag_id = $2)
		   AND EXISTS (
		       SELECT 1 FROM tag_synonyms e
		       WHERE (e.tag_id = $1 AND e.synonym_tag_id = CASE WHEN s.tag_id = $2 THEN s.synonym_tag_id ELSE s.tag_id END)
		          OR (e.synonym_tag_id = $1 AND e.tag_id = CASE WHEN s.tag_id = $2 THEN s.synonym_tag_id ELSE s.tag_id END)
		   )`,
		targetID, sourceID,
	); err != nil {
		return 0, fmt.Errorf("storage: drop duplicate edges: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tag_synonyms SET tag_id = $1 WHERE tag_id = $2`, targetID, sourceID,
	); err != nil {
		return 0, fmt.Errorf("storage: repoint synonym edges: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tag_synonyms SET synonym_tag_id = $1 WHERE synonym_tag_id = $2`, targetID, sourceID,
	); err != nil {
		return 0, fmt.Errorf("storage: repoint synonym edges: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM tags WHERE id = $1`, sourceID); err != nil {
		return 0, fmt.Errorf("storage: delete merged tag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit tag merge: %w", err)
	}
	return updated, nil
}
