package docproc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/npdlabs/npd/internal/embedding"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/queue"
)

// JobHandler adapts the pipeline to the generic job queue. Documents
// normally flow through the dedicated task queue; DOCUMENT_PROCESSING jobs
// exist so other handlers can chain processing behind their own work.
func (p *Pipeline) JobHandler() queue.Handler {
	return func(ctx context.Context, job *model.Job) (map[string]any, error) {
		if job.EntityID == nil {
			return nil, fmt.Errorf("docproc: invalid job %s: no document id", job.ID)
		}
		task := model.DocumentTask{DocumentID: *job.EntityID, Operation: model.TaskOperationProcess}
		if err := p.Process(ctx, task); err != nil {
			return nil, err
		}
		return map[string]any{"document_id": job.EntityID.String()}, nil
	}
}

// ChunkStore is the backfill's view of persistence.
type ChunkStore interface {
	GetChunksWithoutEmbedding(ctx context.Context, limit int) ([]model.DocumentChunk, error)
	UpdateChunkEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error
}

// backfillBatchSize bounds one embedding round trip.
const backfillBatchSize = 64

// Backfill embeds chunks that were stored without vectors, typically after
// the embedding backend was down during document processing.
type Backfill struct {
	store    ChunkStore
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewBackfill wires a backfill.
func NewBackfill(store ChunkStore, embedder embedding.Provider, logger *slog.Logger) *Backfill {
	return &Backfill{store: store, embedder: embedder, logger: logger}
}

// Handler adapts the backfill to the job queue (EMBEDDING_GENERATION). An
// unavailable embedding backend fails the job so it retries on the back-off
// schedule; unlike document processing there is no text to fall back to.
func (b *Backfill) Handler() queue.Handler {
	return func(ctx context.Context, _ *model.Job) (map[string]any, error) {
		var embedded int
		for {
			chunks, err := b.store.GetChunksWithoutEmbedding(ctx, backfillBatchSize)
			if err != nil {
				return nil, fmt.Errorf("docproc: list unembedded chunks: %w", err)
			}
			if len(chunks) == 0 {
				break
			}

			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.Content
			}
			vectors, err := b.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return nil, fmt.Errorf("docproc: embedding service unavailable: %w", err)
			}

			for i, c := range chunks {
				if err := b.store.UpdateChunkEmbedding(ctx, c.ID, pgvector.NewVector(vectors[i])); err != nil {
					return nil, fmt.Errorf("docproc: store chunk embedding: %w", err)
				}
				embedded++
			}
			if len(chunks) < backfillBatchSize {
				break
			}
		}

		if embedded > 0 {
			b.logger.Info("embedding backfill finished", "chunks_embedded", embedded)
		}
		return map[string]any{"chunks_embedded": embedded}, nil
	}
}
