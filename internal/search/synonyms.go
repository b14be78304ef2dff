// Package search implements hybrid project search: three ranking legs
// (project full-text, document full-text, chunk vector similarity) fused
// with reciprocal rank fusion, plus tag-synonym expansion of tag filters.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SynonymSource supplies the synonym graph one adjacency batch at a time.
type SynonymSource interface {
	SynonymNeighbors(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
}

// maxExpansionDepth bounds the closure walk. Synonym chains deeper than this
// are almost certainly tagging mistakes, and the bound keeps a cyclic or
// pathological graph from dominating search latency.
const maxExpansionDepth = 10

// ExpandTagIDs computes, for each origin tag, the origin plus its full
// synonym closure (transitive, undirected). Tags in the same connected
// component share a closure, so components are computed once per call.
func ExpandTagIDs(ctx context.Context, source SynonymSource, origins []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	result := make(map[uuid.UUID][]uuid.UUID, len(origins))
	// component memo: any member of an already-walked component maps to its
	// closure.
	memo := make(map[uuid.UUID][]uuid.UUID)

	for _, origin := range origins {
		if closure, ok := memo[origin]; ok {
			result[origin] = closure
			continue
		}

		closure, err := closureOf(ctx, source, origin)
		if err != nil {
			return nil, err
		}
		for _, member := range closure {
			memo[member] = closure
		}
		result[origin] = closure
	}
	return result, nil
}

// closureOf walks the synonym graph breadth-first from one tag. The visited
// set makes cycles terminate; each BFS level is one adjacency query.
func closureOf(ctx context.Context, source SynonymSource, origin uuid.UUID) ([]uuid.UUID, error) {
	visited := map[uuid.UUID]bool{origin: true}
	closure := []uuid.UUID{origin}
	frontier := []uuid.UUID{origin}

	for depth := 0; len(frontier) > 0 && depth < maxExpansionDepth; depth++ {
		adjacency, err := source.SynonymNeighbors(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("search: expand synonym frontier: %w", err)
		}

		var next []uuid.UUID
		for _, neighbors := range adjacency {
			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				closure = append(closure, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return closure, nil
}
