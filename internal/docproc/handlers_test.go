package docproc

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/backoff"
	"github.com/npdlabs/npd/internal/embedding"
	"github.com/npdlabs/npd/internal/model"
)

type fakeChunkStore struct {
	pending  []model.DocumentChunk
	embedded map[uuid.UUID]pgvector.Vector
}

func (s *fakeChunkStore) GetChunksWithoutEmbedding(ctx context.Context, limit int) ([]model.DocumentChunk, error) {
	if len(s.pending) <= limit {
		out := s.pending
		s.pending = nil
		return out, nil
	}
	out := s.pending[:limit]
	s.pending = s.pending[limit:]
	return out, nil
}

func (s *fakeChunkStore) UpdateChunkEmbedding(ctx context.Context, id uuid.UUID, v pgvector.Vector) error {
	if s.embedded == nil {
		s.embedded = map[uuid.UUID]pgvector.Vector{}
	}
	s.embedded[id] = v
	return nil
}

func pendingChunks(n int) []model.DocumentChunk {
	out := make([]model.DocumentChunk, n)
	for i := range out {
		out[i] = model.DocumentChunk{ID: uuid.New(), Content: "chunk"}
	}
	return out
}

func TestBackfillEmbedsAllPendingChunks(t *testing.T) {
	store := &fakeChunkStore{pending: pendingChunks(backfillBatchSize + 3)}
	h := NewBackfill(store, &fakeEmbedder{dims: 4}, slog.New(slog.DiscardHandler)).Handler()

	result, err := h(context.Background(), &model.Job{JobType: model.JobTypeEmbeddingGeneration})
	require.NoError(t, err)

	assert.Equal(t, backfillBatchSize+3, result["chunks_embedded"])
	assert.Len(t, store.embedded, backfillBatchSize+3)
}

func TestBackfillNothingPending(t *testing.T) {
	h := NewBackfill(&fakeChunkStore{}, &fakeEmbedder{dims: 4}, slog.New(slog.DiscardHandler)).Handler()

	result, err := h(context.Background(), &model.Job{})
	require.NoError(t, err)
	assert.Equal(t, 0, result["chunks_embedded"])
}

func TestBackfillFailsWhenEmbedderDown(t *testing.T) {
	store := &fakeChunkStore{pending: pendingChunks(2)}
	h := NewBackfill(store, &fakeEmbedder{err: embedding.ErrUnavailable}, slog.New(slog.DiscardHandler)).Handler()

	_, err := h(context.Background(), &model.Job{})
	require.Error(t, err, "backfill has no text fallback")
	assert.True(t, backoff.Retryable(err.Error()))
}

func TestJobHandlerRequiresDocumentID(t *testing.T) {
	p := newPipeline(&fakeDocStore{}, &fakeFiles{}, &fakeEmbedder{dims: 4})
	h := p.JobHandler()

	_, err := h(context.Background(), &model.Job{ID: uuid.New(), JobType: model.JobTypeDocumentProcessing})
	require.Error(t, err)
	assert.False(t, backoff.Retryable(err.Error()), "a job without a document can never succeed")
}
