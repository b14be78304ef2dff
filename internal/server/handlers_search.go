package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/search"
	"github.com/npdlabs/npd/internal/storage"
)

// searchRequest is the POST /search body. ExpandSynonyms and
// IncludeDocuments are pointers so an absent field defaults to true.
type searchRequest struct {
	Query            string      `json:"query,omitempty"`
	Statuses         []string    `json:"statuses,omitempty"`
	OrganizationID   *uuid.UUID  `json:"organization_id,omitempty"`
	OwnerID          *uuid.UUID  `json:"owner_id,omitempty"`
	StartDateFrom    string      `json:"start_date_from,omitempty"`
	StartDateTo      string      `json:"start_date_to,omitempty"`
	TagIDs           []uuid.UUID `json:"tag_ids,omitempty"`
	ExpandSynonyms   *bool       `json:"expand_synonyms,omitempty"`
	IncludeDocuments *bool       `json:"include_documents,omitempty"`
	SortBy           string      `json:"sort_by,omitempty"`
	Descending       bool        `json:"descending,omitempty"`
	Limit            int         `json:"limit,omitempty"`
	Offset           int         `json:"offset,omitempty"`
}

func boolOrTrue(p *bool) bool {
	return p == nil || *p
}

type projectView struct {
	ID             uuid.UUID   `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Status         string      `json:"status"`
	OrganizationID *uuid.UUID  `json:"organization_id,omitempty"`
	OwnerID        *uuid.UUID  `json:"owner_id,omitempty"`
	StartDate      *string     `json:"start_date,omitempty"`
	TagIDs         []uuid.UUID `json:"tag_ids,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func projectToView(p model.Project) projectView {
	v := projectView{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Status:         strings.ToLower(p.Status),
		OrganizationID: p.OrganizationID,
		OwnerID:        p.OwnerID,
		TagIDs:         p.TagIDs,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.StartDate != nil {
		d := p.StartDate.Format("2006-01-02")
		v.StartDate = &d
	}
	return v
}

var validSorts = map[string]bool{
	"": true, "relevance": true, "name": true, "start_date": true, "updated_at": true,
}

// HandleSearch handles POST /search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if !validSorts[req.SortBy] {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput,
			"sort_by must be one of relevance, name, start_date, updated_at")
		return
	}

	filters := storage.SearchFilters{
		OrganizationID: req.OrganizationID,
		OwnerID:        req.OwnerID,
	}
	for _, s := range req.Statuses {
		filters.Statuses = append(filters.Statuses, strings.ToUpper(strings.TrimSpace(s)))
	}
	if req.StartDateFrom != "" {
		d, err := time.Parse("2006-01-02", req.StartDateFrom)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid start_date_from")
			return
		}
		filters.StartDateFrom = &d
	}
	if req.StartDateTo != "" {
		d, err := time.Parse("2006-01-02", req.StartDateTo)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid start_date_to")
			return
		}
		filters.StartDateTo = &d
	}

	result, err := h.searcher.Search(r.Context(), search.Params{
		Query:            req.Query,
		TagIDs:           req.TagIDs,
		ExpandSynonyms:   boolOrTrue(req.ExpandSynonyms),
		IncludeDocuments: boolOrTrue(req.IncludeDocuments),
		SortBy:           req.SortBy,
		Descending:       req.Descending,
		Limit:            req.Limit,
		Offset:           req.Offset,
	}, filters)
	if err != nil {
		h.writeInternalError(w, r, "search failed", err)
		return
	}

	views := make([]projectView, 0, len(result.Projects))
	for _, p := range result.Projects {
		views = append(views, projectToView(p))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"projects":          views,
		"total":             result.Total,
		"synonym_expansion": result.Synonyms,
	})
}
