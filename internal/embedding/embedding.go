// Package embedding produces dense vectors for document chunks and search
// queries. The provider is pluggable, and embedding failures are soft: a
// chunk without a vector stays full-text searchable.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable marks the provider as unreachable. Callers treat it as
// transient and leave the chunk for the backfill job.
var ErrUnavailable = errors.New("embedding: provider unavailable")

// Provider computes embeddings.
type Provider interface {
	// Embed returns the vector for one input.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the fixed width of produced vectors.
	Dimensions() int
}

// Disabled is a Provider that always reports unavailability. Wired when no
// embedding backend is configured; the pipeline then persists chunks without
// vectors and hybrid search skips the vector leg.
type Disabled struct{}

func (Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (Disabled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (Disabled) Dimensions() int { return 0 }
