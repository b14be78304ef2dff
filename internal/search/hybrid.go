package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/npdlabs/npd/internal/embedding"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// rrfK is the reciprocal rank fusion constant: score = sum over legs of
// 1/(rrfK + rank). 60 is the standard choice and keeps single-leg outliers
// from dominating.
const rrfK = 60

// legDepth is how many candidates each ranking leg contributes.
const legDepth = 100

// Store is the search service's view of persistence.
type Store interface {
	RankProjectsByText(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]uuid.UUID, error)
	RankProjectsByDocuments(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]uuid.UUID, error)
	RankProjectsByVector(ctx context.Context, queryVec pgvector.Vector, f storage.SearchFilters, limit int) ([]uuid.UUID, error)
	FilterProjectIDs(ctx context.Context, f storage.SearchFilters) ([]uuid.UUID, error)
	HasEmbeddedChunks(ctx context.Context) (bool, error)
	GetProjectsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Project, error)
	GetProjectsSorted(ctx context.Context, ids []uuid.UUID, orderBy string, descending bool, limit, offset int) ([]model.Project, error)
	SynonymNeighbors(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
	GetTagsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Tag, error)
}

// Params are the search inputs. Entity filters (status, organization,
// owner, date window) ride in storage.SearchFilters; tag filters enter
// here as raw IDs so the service can expand synonyms first.
type Params struct {
	Query            string
	TagIDs           []uuid.UUID
	ExpandSynonyms   bool   // widen tag filters across synonym links
	IncludeDocuments bool   // rank over document text and chunk vectors too
	SortBy           string // relevance, name, start_date, updated_at
	Descending       bool
	Limit            int
	Offset           int
}

// Result is one page of search output.
type Result struct {
	Projects []model.Project        `json:"projects"`
	Total    int                    `json:"total"`
	Synonyms *model.SynonymMetadata `json:"synonym_expansion,omitempty"`
}

// Service runs hybrid searches.
type Service struct {
	store    Store
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewService wires the search service.
func NewService(store Store, embedder embedding.Provider, logger *slog.Logger) *Service {
	return &Service{store: store, embedder: embedder, logger: logger}
}

// Search runs a hybrid search. With an empty query it degrades to pure
// filtering; otherwise the ranking legs run concurrently and are fused
// with reciprocal rank fusion. Relevance ordering paginates the fused
// ranking; column sorts are applied at the database level over the full
// candidate set.
func (s *Service) Search(ctx context.Context, p Params, filters storage.SearchFilters) (Result, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.SortBy == "" {
		p.SortBy = "relevance"
	}

	var meta *model.SynonymMetadata
	if len(p.TagIDs) > 0 {
		filters.TagGroups = make([][]uuid.UUID, 0, len(p.TagIDs))
		if p.ExpandSynonyms {
			expanded, err := ExpandTagIDs(ctx, s.store, p.TagIDs)
			if err != nil {
				return Result{}, err
			}
			meta, err = s.synonymMetadata(ctx, p.TagIDs, expanded)
			if err != nil {
				return Result{}, err
			}
			for _, origin := range p.TagIDs {
				filters.TagGroups = append(filters.TagGroups, expanded[origin])
			}
		} else {
			for _, origin := range p.TagIDs {
				filters.TagGroups = append(filters.TagGroups, []uuid.UUID{origin})
			}
		}
	}

	query := strings.TrimSpace(p.Query)
	var candidates []uuid.UUID
	if query == "" {
		ids, err := s.store.FilterProjectIDs(ctx, filters)
		if err != nil {
			return Result{}, err
		}
		candidates = ids
	} else {
		fused, err := s.rankAndFuse(ctx, query, filters, p.IncludeDocuments)
		if err != nil {
			return Result{}, err
		}
		candidates = fused
	}

	result := Result{Total: len(candidates), Synonyms: meta}
	if len(candidates) == 0 {
		result.Projects = []model.Project{}
		return result, nil
	}

	var projects []model.Project
	var err error
	if p.SortBy == "relevance" {
		page := paginate(candidates, p.Limit, p.Offset)
		projects, err = s.store.GetProjectsByIDs(ctx, page)
	} else {
		projects, err = s.store.GetProjectsSorted(ctx, candidates, p.SortBy, p.Descending, p.Limit, p.Offset)
	}
	if err != nil {
		return Result{}, err
	}
	if projects == nil {
		projects = []model.Project{}
	}
	result.Projects = projects
	return result, nil
}

// rankAndFuse runs the ranking legs concurrently and fuses them. With
// includeDocuments false only the project text leg runs; otherwise the
// document and vector legs join in. The vector leg is skipped entirely when
// no chunk is embedded: the query embedder is never called against an empty
// index.
func (s *Service) rankAndFuse(ctx context.Context, query string, filters storage.SearchFilters, includeDocuments bool) ([]uuid.UUID, error) {
	var textIDs, docIDs, vecIDs []uuid.UUID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := s.store.RankProjectsByText(gctx, query, filters, legDepth)
		if err != nil {
			return fmt.Errorf("search: project text leg: %w", err)
		}
		textIDs = ids
		return nil
	})
	if includeDocuments {
		g.Go(func() error {
			ids, err := s.store.RankProjectsByDocuments(gctx, query, filters, legDepth)
			if err != nil {
				return fmt.Errorf("search: document text leg: %w", err)
			}
			docIDs = ids
			return nil
		})
		g.Go(func() error {
			ids, err := s.vectorLeg(gctx, query, filters)
			if err != nil {
				return err
			}
			vecIDs = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuse(textIDs, docIDs, vecIDs), nil
}

// vectorLeg embeds the query and ranks by chunk similarity. Embedding
// failures degrade the search to the text legs instead of failing it.
func (s *Service) vectorLeg(ctx context.Context, query string, filters storage.SearchFilters) ([]uuid.UUID, error) {
	hasVectors, err := s.store.HasEmbeddedChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: check vector index: %w", err)
	}
	if !hasVectors {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, skipping vector leg", "error", err)
		return nil, nil
	}

	ids, err := s.store.RankProjectsByVector(ctx, pgvector.NewVector(vec), filters, legDepth)
	if err != nil {
		return nil, fmt.Errorf("search: vector leg: %w", err)
	}
	return ids, nil
}

// fuse merges ranked lists with reciprocal rank fusion, ties broken by id
// for a stable order.
func fuse(lists ...[]uuid.UUID) []uuid.UUID {
	scores := make(map[uuid.UUID]float64)
	for _, list := range lists {
		for i, id := range list {
			scores[id] += 1.0 / float64(rrfK+i+1)
		}
	}

	fused := make([]uuid.UUID, 0, len(scores))
	for id := range scores {
		fused = append(fused, id)
	}
	sort.Slice(fused, func(i, j int) bool {
		if scores[fused[i]] != scores[fused[j]] {
			return scores[fused[i]] > scores[fused[j]]
		}
		return fused[i].String() < fused[j].String()
	})
	return fused
}

func paginate(ids []uuid.UUID, limit, offset int) []uuid.UUID {
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}

// synonymMetadata reports the expansion by name: ExpandedTags is the full
// effective tag set (origins included), SynonymMatches lists only what each
// origin gained. Tags deleted mid-flight fall back to their raw ID.
func (s *Service) synonymMetadata(ctx context.Context, origins []uuid.UUID, expanded map[uuid.UUID][]uuid.UUID) (*model.SynonymMetadata, error) {
	all := make([]uuid.UUID, 0, len(expanded)*2)
	for _, members := range expanded {
		all = append(all, members...)
	}
	tags, err := s.store.GetTagsByIDs(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("search: resolve expanded tags: %w", err)
	}
	name := func(id uuid.UUID) string {
		if t, ok := tags[id]; ok {
			return t.Name
		}
		return id.String()
	}

	meta := &model.SynonymMetadata{
		OriginalTags:   make([]string, 0, len(origins)),
		ExpandedTags:   []string{},
		SynonymMatches: make(map[string][]string),
	}
	seen := make(map[uuid.UUID]bool)
	for _, origin := range origins {
		meta.OriginalTags = append(meta.OriginalTags, name(origin))
		var added []string
		for _, id := range expanded[origin] {
			if !seen[id] {
				seen[id] = true
				meta.ExpandedTags = append(meta.ExpandedTags, name(id))
			}
			if id != origin {
				added = append(added, name(id))
			}
		}
		if len(added) > 0 {
			meta.SynonymMatches[name(origin)] = added
		}
	}
	return meta, nil
}
