package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// jobView is the API projection of a job: enum labels lowercase, timestamps
// RFC 3339.
type jobView struct {
	ID           uuid.UUID      `json:"id"`
	JobType      string         `json:"job_type"`
	Status       string         `json:"status"`
	EntityType   *string        `json:"entity_type,omitempty"`
	EntityID     *uuid.UUID     `json:"entity_id,omitempty"`
	Priority     int            `json:"priority"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	NextRetry    *time.Time     `json:"next_retry,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func jobToView(j model.Job) jobView {
	return jobView{
		ID:           j.ID,
		JobType:      string(j.JobType),
		Status:       j.Status.Label(),
		EntityType:   j.EntityType,
		EntityID:     j.EntityID,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		ErrorMessage: j.ErrorMessage,
		Result:       j.Result,
		NextRetry:    j.NextRetry,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type taskView struct {
	ID           uuid.UUID  `json:"id"`
	DocumentID   uuid.UUID  `json:"document_id"`
	Operation    string     `json:"operation"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	NextRetry    *time.Time `json:"next_retry,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func taskToView(t model.DocumentTask) taskView {
	return taskView{
		ID:           t.ID,
		DocumentID:   t.DocumentID,
		Operation:    t.Operation.Label(),
		Status:       t.Status.Label(),
		Attempts:     t.Attempts,
		MaxAttempts:  t.MaxAttempts,
		ErrorMessage: t.ErrorMessage,
		NextRetry:    t.NextRetry,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type conflictView struct {
	ID             uuid.UUID      `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       uuid.UUID      `json:"entity_id"`
	NPDData        map[string]any `json:"npd_data"`
	ExternalData   map[string]any `json:"external_data"`
	ConflictFields []string       `json:"conflict_fields"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolutionType *string        `json:"resolution_type,omitempty"`
}

func conflictToView(c model.SyncConflict) conflictView {
	v := conflictView{
		ID:             c.ID,
		EntityType:     string(c.EntityType),
		EntityID:       c.EntityID,
		NPDData:        c.NPDData,
		ExternalData:   c.ExternalData,
		ConflictFields: c.ConflictFields,
		DetectedAt:     c.DetectedAt,
		ResolvedAt:     c.ResolvedAt,
	}
	if c.ResolutionType != nil {
		label := c.ResolutionType.Label()
		v.ResolutionType = &label
	}
	return v
}

type ruleView struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	EntityType      string    `json:"entity_type"`
	FieldName       string    `json:"field_name"`
	PreferredSource string    `json:"preferred_source"`
	IsEnabled       bool      `json:"is_enabled"`
	Priority        int       `json:"priority"`
	CreatedAt       time.Time `json:"created_at"`
}

func ruleToView(r model.AutoResolutionRule) ruleView {
	return ruleView{
		ID:              r.ID,
		Name:            r.Name,
		EntityType:      string(r.EntityType),
		FieldName:       r.FieldName,
		PreferredSource: r.PreferredSource.Label(),
		IsEnabled:       r.IsEnabled,
		Priority:        r.Priority,
		CreatedAt:       r.CreatedAt,
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

// HandleListJobs handles GET /admin/jobs?status=…&job_type=…
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	var filters storage.JobFilters
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := model.ParseJobStatus(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
			return
		}
		filters.Status = &status
	}
	if t := strings.TrimSpace(r.URL.Query().Get("job_type")); t != "" {
		jt := model.JobType(strings.ToUpper(t))
		filters.JobType = &jt
	}

	limit, offset := pagination(r)
	jobs, err := h.store.ListJobs(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "list jobs failed", err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobToView(j))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"jobs": views})
}

// HandleRetryJob handles POST /admin/jobs/{id}/retry?reset_attempts=true
func (h *Handlers) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid job id")
		return
	}
	reset := r.URL.Query().Get("reset_attempts") == "true"

	job, err := h.store.ManualRetryJob(r.Context(), id, reset)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusConflict, errCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, jobToView(job))
}

// HandleCancelJob handles DELETE /admin/jobs/{id}. Only pending jobs can be
// cancelled.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid job id")
		return
	}
	cancelled, err := h.store.CancelJob(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "cancel job failed", err)
		return
	}
	if !cancelled {
		writeError(w, r, http.StatusConflict, errCodeConflict, "job is not pending")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cancelled": true})
}

// HandleListDocumentTasks handles GET /admin/document-tasks?status=…
func (h *Handlers) HandleListDocumentTasks(w http.ResponseWriter, r *http.Request) {
	var status *model.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := model.ParseJobStatus(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
			return
		}
		status = &parsed
	}

	limit, offset := pagination(r)
	tasks, err := h.store.ListDocumentTasks(r.Context(), status, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "list document tasks failed", err)
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskToView(t))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tasks": views})
}

// HandleRetryDocumentTask handles POST /admin/document-tasks/{id}/retry.
func (h *Handlers) HandleRetryDocumentTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid task id")
		return
	}
	reset := r.URL.Query().Get("reset_attempts") == "true"

	task, err := h.store.ManualRetryDocumentTask(r.Context(), id, reset)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "document task not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusConflict, errCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, taskToView(task))
}

// HandleCancelDocumentTask handles DELETE /admin/document-tasks/{id}.
func (h *Handlers) HandleCancelDocumentTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid task id")
		return
	}
	cancelled, err := h.store.CancelDocumentTask(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "cancel document task failed", err)
		return
	}
	if !cancelled {
		writeError(w, r, http.StatusConflict, errCodeConflict, "document task is not pending")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cancelled": true})
}

// HandleListConflicts handles GET /admin/conflicts?entity_type=…
func (h *Handlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	var entityType *model.EntityType
	if s := r.URL.Query().Get("entity_type"); s != "" {
		parsed, err := model.ParseEntityType(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
			return
		}
		entityType = &parsed
	}

	limit, offset := pagination(r)
	conflicts, err := h.store.ListOpenSyncConflicts(r.Context(), entityType, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "list conflicts failed", err)
		return
	}

	views := make([]conflictView, 0, len(conflicts))
	for _, c := range conflicts {
		views = append(views, conflictToView(c))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"conflicts": views})
}

type resolveRequest struct {
	Resolution      string            `json:"resolution"`
	MergeSelections map[string]string `json:"merge_selections,omitempty"`
	ResolvedBy      *uuid.UUID        `json:"resolved_by,omitempty"`
}

// HandleResolveConflict handles POST /admin/conflicts/{id}/resolve.
func (h *Handlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid conflict id")
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	resolution, err := model.ParseResolutionType(req.Resolution)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	if resolution == model.ResolutionMerge && len(req.MergeSelections) == 0 {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "merge_selections required")
		return
	}

	conflict, err := h.resolver.Resolve(r.Context(), id, resolution, req.MergeSelections, req.ResolvedBy)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "conflict not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, conflictToView(conflict))
}

type bulkResolveRequest struct {
	ConflictIDs []uuid.UUID `json:"conflict_ids"`
	Resolution  string      `json:"resolution"`
	ResolvedBy  *uuid.UUID  `json:"resolved_by,omitempty"`
}

// HandleBulkResolve handles POST /admin/conflicts/bulk-resolve.
func (h *Handlers) HandleBulkResolve(w http.ResponseWriter, r *http.Request) {
	var req bulkResolveRequest
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if len(req.ConflictIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "conflict_ids required")
		return
	}
	resolution, err := model.ParseResolutionType(req.Resolution)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}

	outcome, err := h.resolver.BulkResolve(r.Context(), req.ConflictIDs, resolution, req.ResolvedBy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, outcome)
}

// HandleListRules handles GET /admin/resolution-rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListResolutionRules(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list resolution rules failed", err)
		return
	}
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleToView(rule))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"rules": views})
}

type createRuleRequest struct {
	Name            string `json:"name"`
	EntityType      string `json:"entity_type"`
	FieldName       string `json:"field_name"`
	PreferredSource string `json:"preferred_source"`
	Priority        int    `json:"priority"`
}

// HandleCreateRule handles POST /admin/resolution-rules.
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	entityType, err := model.ParseEntityType(req.EntityType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	source, err := model.ParsePreferredSource(req.PreferredSource)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	if strings.TrimSpace(req.FieldName) == "" {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "field_name required")
		return
	}

	rule, err := h.store.CreateResolutionRule(r.Context(), model.AutoResolutionRule{
		Name:            req.Name,
		EntityType:      entityType,
		FieldName:       req.FieldName,
		PreferredSource: source,
		IsEnabled:       true,
		Priority:        req.Priority,
	})
	if err != nil {
		h.writeInternalError(w, r, "create resolution rule failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, ruleToView(rule))
}

// HandleSetRuleEnabled handles PATCH /admin/resolution-rules/{id}.
func (h *Handlers) HandleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid rule id")
		return
	}
	var req struct {
		IsEnabled *bool `json:"is_enabled"`
	}
	if err := decodeJSON(r, &req, h.maxBody); err != nil || req.IsEnabled == nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "is_enabled required")
		return
	}

	if err := h.store.SetRuleEnabled(r.Context(), id, *req.IsEnabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "rule not found")
			return
		}
		h.writeInternalError(w, r, "update resolution rule failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"is_enabled": *req.IsEnabled})
}

// HandleDeleteRule handles DELETE /admin/resolution-rules/{id}.
func (h *Handlers) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid rule id")
		return
	}
	if err := h.store.DeleteResolutionRule(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "rule not found")
			return
		}
		h.writeInternalError(w, r, "delete resolution rule failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// HandleListTags handles GET /admin/tags.
func (h *Handlers) HandleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.store.ListTags(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list tags failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tags": tags})
}

// HandleCreateTag handles POST /admin/tags.
func (h *Handlers) HandleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "name required")
		return
	}

	tag, err := h.store.CreateTag(r.Context(), strings.TrimSpace(req.Name), req.Type)
	if errors.Is(err, storage.ErrDuplicate) {
		writeError(w, r, http.StatusConflict, errCodeConflict, "tag name already exists")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "create tag failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tag)
}

type synonymRequest struct {
	TagID        uuid.UUID `json:"tag_id"`
	SynonymTagID uuid.UUID `json:"synonym_tag_id"`
	Confidence   float64   `json:"confidence,omitempty"`
}

// HandleCreateSynonym handles POST /admin/synonyms.
func (h *Handlers) HandleCreateSynonym(w http.ResponseWriter, r *http.Request) {
	var req synonymRequest
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}

	edge, err := h.store.CreateTagSynonym(r.Context(), req.TagID, req.SynonymTagID, req.Confidence, nil)
	if errors.Is(err, storage.ErrDuplicate) {
		writeError(w, r, http.StatusConflict, errCodeConflict, "synonym edge already exists")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, edge)
}

// HandleDeleteSynonym handles DELETE /admin/synonyms.
func (h *Handlers) HandleDeleteSynonym(w http.ResponseWriter, r *http.Request) {
	var req synonymRequest
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if err := h.store.DeleteTagSynonym(r.Context(), req.TagID, req.SynonymTagID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "synonym edge not found")
			return
		}
		h.writeInternalError(w, r, "delete synonym failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// HandleMergeTags handles POST /admin/tags/merge: the source tag's uses are
// repointed at the target and the source is deleted.
func (h *Handlers) HandleMergeTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID uuid.UUID `json:"target_id"`
		SourceID uuid.UUID `json:"source_id"`
	}
	if err := decodeJSON(r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}

	updated, err := h.store.MergeTags(r.Context(), req.TargetID, req.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "tag not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"projects_updated": updated})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, errCodeInternal, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, errCodeInternal, msg)
}
