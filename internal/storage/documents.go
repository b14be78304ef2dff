package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/npdlabs/npd/internal/model"
)

const documentColumns = `id, project_id, filename, mime_type, storage_path,
	size_bytes, extracted_text, created_at, updated_at`

func scanDocument(row pgx.Row) (model.Document, error) {
	var d model.Document
	err := row.Scan(
		&d.ID, &d.ProjectID, &d.Filename, &d.MIMEType, &d.StoragePath,
		&d.SizeBytes, &d.ExtractedText, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// CreateDocument inserts a document record for an uploaded file.
func (db *DB) CreateDocument(ctx context.Context, d model.Document) (model.Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO documents (id, project_id, filename, mime_type, storage_path,
		 size_bytes, extracted_text, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ProjectID, d.Filename, d.MIMEType, d.StoragePath,
		d.SizeBytes, d.ExtractedText, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	return d, nil
}

// GetDocument retrieves a document by ID.
func (db *DB) GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, ErrNotFound
		}
		return model.Document{}, fmt.Errorf("storage: get document: %w", err)
	}
	return d, nil
}

// ListProjectDocuments returns a project's documents, newest first.
func (db *DB) ListProjectDocuments(ctx context.Context, projectID uuid.UUID) ([]model.Document, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list project documents: %w", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SetDocumentText stores the extraction result and rebuilds the document's
// full-text search vector in the same statement.
func (db *DB) SetDocumentText(ctx context.Context, id uuid.UUID, text string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE documents
		 SET extracted_text = $2,
		     search_vector = to_tsvector('english', left($2, 1048575)),
		     updated_at = now()
		 WHERE id = $1`,
		id, text,
	)
	if err != nil {
		return fmt.Errorf("storage: set document text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceDocumentChunks atomically swaps a document's chunk set. Reprocessing
// a document must never leave a mix of old and new chunks behind.
func (db *DB) ReplaceDocumentChunks(ctx context.Context, documentID uuid.UUID, chunks []model.DocumentChunk) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin chunk replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("storage: delete old chunks: %w", err)
	}

	for _, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			id, documentID, c.ChunkIndex, c.Content, c.Embedding,
		); err != nil {
			return fmt.Errorf("storage: insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit chunk replace: %w", err)
	}
	return nil
}

// GetChunksWithoutEmbedding returns chunks whose embedding is missing, oldest
// first, for the backfill job.
func (db *DB) GetChunksWithoutEmbedding(ctx context.Context, limit int) ([]model.DocumentChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, document_id, chunk_index, content, embedding, created_at
		 FROM document_chunks
		 WHERE embedding IS NULL
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks without embedding: %w", err)
	}
	defer rows.Close()

	var chunks []model.DocumentChunk
	for rows.Next() {
		var c model.DocumentChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.Embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UpdateChunkEmbedding writes the embedding for a single chunk.
func (db *DB) UpdateChunkEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE document_chunks SET embedding = $2 WHERE id = $1`,
		id, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: update chunk embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HasEmbeddedChunks reports whether any chunk in the corpus carries an
// embedding. The hybrid search uses this to skip the vector leg entirely
// rather than embedding the query against an empty index.
func (db *DB) HasEmbeddedChunks(ctx context.Context) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE embedding IS NOT NULL)`,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check embedded chunks: %w", err)
	}
	return exists, nil
}

// DeleteDocument removes a document and, via FK cascade, its chunks.
func (db *DB) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
