package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// newSingletonJob enqueues the entity-less form of a periodic job: dedup on
// (type, null, null) makes it a per-type singleton.
func newSingletonJob(jobType model.JobType) storage.CreateJobParams {
	createdBy := "cron"
	return storage.CreateJobParams{
		JobType:     jobType,
		Deduplicate: true,
		MaxAttempts: model.DefaultMaxAttempts,
		CreatedBy:   &createdBy,
	}
}

// writeTickResult writes a tick result in the flat shape the external
// scheduler consumes, without the admin API envelope. A tick that errored
// before processing anything reports 500 so the scheduler alerts.
func writeTickResult(w http.ResponseWriter, res model.TickResult, err error) {
	status := http.StatusOK
	if err != nil {
		res.Status = "error"
		res.Errors = append(res.Errors, err.Error())
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// HandleCronJobs handles GET /cron/jobs?job_type=…
func (h *Handlers) HandleCronJobs(w http.ResponseWriter, r *http.Request) {
	var types []model.JobType
	if t := strings.TrimSpace(r.URL.Query().Get("job_type")); t != "" {
		types = []model.JobType{model.JobType(strings.ToUpper(t))}
	}
	res, err := h.queue.Tick(r.Context(), types)
	writeTickResult(w, res, err)
}

// HandleCronDocumentQueue handles GET /cron/document-queue.
func (h *Handlers) HandleCronDocumentQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.docQueue.Tick(r.Context())
	writeTickResult(w, res, err)
}

// HandleCronSyncQueue handles GET /cron/sync-queue: one tick over the
// egress-retry job types.
func (h *Handlers) HandleCronSyncQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.Tick(r.Context(), model.EgressJobTypes)
	writeTickResult(w, res, err)
}

// HandleCronJiraRefresh handles GET /cron/jira-refresh. The singleton job
// is enqueued (deduplicated) and the queue is ticked for that type, so a
// slow refresh spanning two cron fires never runs twice.
func (h *Handlers) HandleCronJiraRefresh(w http.ResponseWriter, r *http.Request) {
	h.runSingletonJob(w, r, model.JobTypeJiraRefresh)
}

// HandleCronTeamSync handles GET /cron/team-sync.
func (h *Handlers) HandleCronTeamSync(w http.ResponseWriter, r *http.Request) {
	h.runSingletonJob(w, r, model.JobTypeTeamSync)
}

func (h *Handlers) runSingletonJob(w http.ResponseWriter, r *http.Request, jobType model.JobType) {
	if _, err := h.store.CreateJob(r.Context(), newSingletonJob(jobType)); err != nil {
		writeTickResult(w, model.TickResult{}, err)
		return
	}
	res, err := h.queue.Tick(r.Context(), []model.JobType{jobType})
	writeTickResult(w, res, err)
}
