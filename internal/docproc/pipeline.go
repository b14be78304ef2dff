// Package docproc is the document processing pipeline behind the document
// task queue: load bytes, extract text, persist it for full-text search,
// chunk it, and embed each chunk.
package docproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/npdlabs/npd/internal/embedding"
	"github.com/npdlabs/npd/internal/extract"
	"github.com/npdlabs/npd/internal/filestore"
	"github.com/npdlabs/npd/internal/model"
)

// Store is the pipeline's view of document persistence.
type Store interface {
	GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error)
	SetDocumentText(ctx context.Context, id uuid.UUID, text string) error
	ReplaceDocumentChunks(ctx context.Context, documentID uuid.UUID, chunks []model.DocumentChunk) error
}

// Extractor is the subset of the extract registry the pipeline needs.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Pipeline processes one document task end to end.
type Pipeline struct {
	store    Store
	files    filestore.Store
	extract  Extractor
	embedder embedding.Provider
	logger   *slog.Logger
}

// New wires a pipeline.
func New(store Store, files filestore.Store, extractor Extractor, embedder embedding.Provider, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, files: files, extract: extractor, embedder: embedder, logger: logger}
}

// Process runs the pipeline for a task. Missing files and unsupported MIME
// types produce errors the back-off policy treats as permanent; an
// unreachable embedding backend degrades to chunks without vectors rather
// than failing the task.
func (p *Pipeline) Process(ctx context.Context, task model.DocumentTask) error {
	doc, err := p.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return fmt.Errorf("docproc: document %s not found", task.DocumentID)
	}

	data, err := p.files.Read(ctx, doc.StoragePath)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return fmt.Errorf("docproc: file not found in storage: %s", doc.StoragePath)
		}
		return fmt.Errorf("docproc: read document bytes: %w", err)
	}

	text, err := p.extract.Extract(ctx, data, doc.MIMEType)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedType) {
			return fmt.Errorf("docproc: unsupported MIME type %s", doc.MIMEType)
		}
		return fmt.Errorf("docproc: extract text: %w", err)
	}

	if err := p.store.SetDocumentText(ctx, doc.ID, text); err != nil {
		return fmt.Errorf("docproc: persist extracted text: %w", err)
	}

	pieces := embedding.ChunkText(text)
	chunks := make([]model.DocumentChunk, 0, len(pieces))

	vectors := p.embedAll(ctx, doc.ID, pieces)
	for i, content := range pieces {
		chunk := model.DocumentChunk{
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    content,
		}
		if vectors != nil && vectors[i] != nil {
			v := pgvector.NewVector(vectors[i])
			chunk.Embedding = &v
		}
		chunks = append(chunks, chunk)
	}

	if err := p.store.ReplaceDocumentChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("docproc: persist chunks: %w", err)
	}

	p.logger.Info("document processed",
		"document_id", doc.ID,
		"operation", task.Operation.Label(),
		"chunks", len(chunks),
		"embedded", vectors != nil,
	)
	return nil
}

// embedAll returns one vector per piece, or nil if the provider is down.
// Per-piece failures leave a nil slot so only the affected chunk loses its
// vector.
func (p *Pipeline) embedAll(ctx context.Context, docID uuid.UUID, pieces []string) [][]float32 {
	if len(pieces) == 0 {
		return nil
	}
	vectors, err := p.embedder.EmbedBatch(ctx, pieces)
	if err == nil {
		return vectors
	}
	if errors.Is(err, embedding.ErrUnavailable) {
		p.logger.Warn("embedding provider unavailable, storing chunks without vectors",
			"document_id", docID, "error", err)
		return nil
	}

	p.logger.Warn("batch embedding failed, retrying per chunk", "document_id", docID, "error", err)
	out := make([][]float32, len(pieces))
	for i, piece := range pieces {
		v, err := p.embedder.Embed(ctx, piece)
		if err != nil {
			p.logger.Warn("chunk embedding failed", "document_id", docID, "chunk", i, "error", err)
			continue
		}
		out[i] = v
	}
	return out
}
