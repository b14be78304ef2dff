package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/model"
)

func TestCronRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/cron/jobs", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.queue.ticks)

	rec = env.do(http.MethodGet, "/cron/jobs", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.queue.ticks)
}

func TestCronJobsReturnsFlatTickResult(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/cron/jobs", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res model.TickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 1, res.ItemsProcessed)
}

func TestCronJobsFiltersByType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/cron/jobs?job_type=bulk_import", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []model.JobType{model.JobTypeBulkImport}, env.queue.lastTypes,
		"lowercase query values map to the stored uppercase type")
}

func TestCronSyncQueueTicksEgressTypes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/cron/sync-queue", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.EgressJobTypes, env.queue.lastTypes)
}

func TestCronDocumentQueueTicks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/cron/document-queue", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.docQueue.ticks)
}

func TestCronJiraRefreshEnqueuesSingletonThenTicks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/cron/jira-refresh", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.store.createdJobs, 1)
	created := env.store.createdJobs[0]
	assert.Equal(t, model.JobTypeJiraRefresh, created.JobType)
	assert.True(t, created.Deduplicate, "periodic jobs must dedup to a singleton")
	assert.Nil(t, created.EntityID)
	assert.Equal(t, []model.JobType{model.JobTypeJiraRefresh}, env.queue.lastTypes)
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReportsDatabaseOutage(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = assert.AnError

	rec := env.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRetryJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/admin/jobs/"+uuid.NewString()+"/retry", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryCompletedJobConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.store.jobs[id] = &model.Job{ID: id, Status: model.JobStatusCompleted}

	rec := env.do(http.MethodPost, "/admin/jobs/"+id.String()+"/retry", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJobOnlyWhilePending(t *testing.T) {
	env := newTestEnv(t)
	pending, running := uuid.New(), uuid.New()
	env.store.jobs[pending] = &model.Job{ID: pending, Status: model.JobStatusPending}
	env.store.jobs[running] = &model.Job{ID: running, Status: model.JobStatusInProgress}

	rec := env.do(http.MethodDelete, "/admin/jobs/"+pending.String(), "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodDelete, "/admin/jobs/"+running.String(), "", true)
	assert.Equal(t, http.StatusConflict, rec.Code, "in-progress jobs are never cancelled")
}

func TestListJobsReturnsLowercaseStatus(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.store.jobs[id] = &model.Job{ID: id, JobType: model.JobTypeJiraRefresh, Status: model.JobStatusInProgress}

	rec := env.do(http.MethodGet, "/admin/jobs", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"in_progress"`,
		"enum labels are lowercase on the wire")
	assert.NotContains(t, rec.Body.String(), "IN_PROGRESS")
}

func TestCreateRuleValidatesEnums(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/admin/resolution-rules",
		`{"name":"r","entity_type":"contact","field_name":"status","preferred_source":"upstream"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/admin/resolution-rules",
		`{"name":"r","entity_type":"contact","field_name":"status","preferred_source":"external"}`, true)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateDuplicateTagConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.store.tagDuplicate = true

	rec := env.do(http.MethodPost, "/admin/tags", `{"name":"k8s"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveConflictRequiresMergeSelections(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/admin/conflicts/"+uuid.NewString()+"/resolve",
		`{"resolution":"merge"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "merge_selections required")
}

func TestSearchRejectsUnknownSort(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/search", `{"query":"x","sort_by":"priority"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchPassesParamsThrough(t *testing.T) {
	env := newTestEnv(t)
	tag := uuid.New()

	rec := env.do(http.MethodPost, "/search",
		`{"query":"roadmap","tag_ids":["`+tag.String()+`"],"sort_by":"name","limit":5}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "roadmap", env.searcher.lastParams.Query)
	assert.Equal(t, []uuid.UUID{tag}, env.searcher.lastParams.TagIDs)
	assert.Equal(t, "name", env.searcher.lastParams.SortBy)
	assert.Equal(t, 5, env.searcher.lastParams.Limit)
	assert.True(t, env.searcher.lastParams.ExpandSynonyms, "expansion defaults on when the field is absent")
	assert.True(t, env.searcher.lastParams.IncludeDocuments, "document ranking defaults on when the field is absent")
}

func TestSearchHonorsOptOutFlags(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/search",
		`{"query":"roadmap","expand_synonyms":false,"include_documents":false}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, env.searcher.lastParams.ExpandSynonyms)
	assert.False(t, env.searcher.lastParams.IncludeDocuments)
}

func TestResponseEnvelopeCarriesRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "", false)
	var body model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Meta.RequestID)
	assert.Equal(t, body.Meta.RequestID, rec.Header().Get("X-Request-ID"))
}
