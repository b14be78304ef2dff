package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
)

// Store is the queue's view of job persistence.
type Store interface {
	RecoverStuckJobs(ctx context.Context, threshold time.Duration) (int, error)
	GetPendingJobs(ctx context.Context, types []model.JobType, limit int) ([]model.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (model.Job, bool, error)
	MarkJobCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (model.Job, error)
	MarkJobFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, errCtx map[string]any) (model.Job, bool, error)
}

// DefaultBatchSize is how many jobs one tick will attempt.
const DefaultBatchSize = 50

// tickErrorLen caps per-job error strings in the tick summary. Full messages
// live on the job rows.
const tickErrorLen = 100

// Processor drains the job queue one tick at a time.
type Processor struct {
	store     Store
	registry  *Registry
	logger    *slog.Logger
	batchSize int
}

// NewProcessor wires a processor to its store and handler registry.
func NewProcessor(store Store, registry *Registry, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		registry:  registry,
		logger:    logger,
		batchSize: DefaultBatchSize,
	}
}

// Tick runs one processing pass: recover stuck jobs, fetch a batch of
// eligible pending jobs (optionally restricted to the given types), claim
// each, and dispatch. A claim lost to a concurrent tick is skipped silently.
// Tick never returns a non-nil error for handler failures; those are
// reflected in the TickResult.
func (p *Processor) Tick(ctx context.Context, types []model.JobType) (model.TickResult, error) {
	res := model.TickResult{Status: "success", Errors: []string{}, Timestamp: time.Now().UTC()}

	recovered, err := p.store.RecoverStuckJobs(ctx, storage.StuckThreshold)
	if err != nil {
		res.Status = "error"
		res.Errors = append(res.Errors, clip(fmt.Sprintf("recover stuck jobs: %v", err)))
		return res, err
	}
	res.ItemsRecovered = recovered
	if recovered > 0 {
		p.logger.Warn("recovered stuck jobs", "count", recovered)
	}

	jobs, err := p.store.GetPendingJobs(ctx, types, p.batchSize)
	if err != nil {
		res.Status = "error"
		res.Errors = append(res.Errors, clip(fmt.Sprintf("fetch pending jobs: %v", err)))
		return res, err
	}

	for i := range jobs {
		select {
		case <-ctx.Done():
			res.Errors = append(res.Errors, "tick interrupted: "+ctx.Err().Error())
			res.Status = tickStatus(res)
			return res, ctx.Err()
		default:
		}

		claimed, ok, err := p.store.ClaimJob(ctx, jobs[i].ID)
		if err != nil {
			res.Errors = append(res.Errors, clip(fmt.Sprintf("claim job %s: %v", jobs[i].ID, err)))
			continue
		}
		if !ok {
			continue
		}

		res.ItemsProcessed++
		p.runJob(ctx, &claimed, &res)
	}

	res.Status = tickStatus(res)
	p.logger.Info("queue tick complete",
		"processed", res.ItemsProcessed,
		"succeeded", res.ItemsSucceeded,
		"failed", res.ItemsFailed,
		"requeued", res.ItemsRequeued,
		"recovered", res.ItemsRecovered,
	)
	return res, nil
}

func (p *Processor) runJob(ctx context.Context, job *model.Job, res *model.TickResult) {
	handler, ok := p.registry.Lookup(job.JobType)
	if !ok {
		// Classified as permanent: retrying cannot conjure a handler.
		msg := fmt.Sprintf("configuration error: no handler registered for job type %s", job.JobType)
		p.failJob(ctx, job, msg, nil, res)
		return
	}

	result, err := p.dispatch(ctx, handler, job)
	if err != nil {
		p.failJob(ctx, job, err.Error(), map[string]any{"job_type": string(job.JobType)}, res)
		return
	}

	if _, err := p.store.MarkJobCompleted(ctx, job.ID, result); err != nil {
		p.logger.Error("mark job completed", "job_id", job.ID, "error", err)
		res.Errors = append(res.Errors, clip(fmt.Sprintf("complete job %s: %v", job.ID, err)))
		return
	}
	res.ItemsSucceeded++
}

// dispatch invokes the handler with panic containment. A panicking handler
// fails its own job; it must never take down the tick.
func (p *Processor) dispatch(ctx context.Context, handler Handler, job *model.Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "job_id", job.ID, "job_type", job.JobType, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Processor) failJob(ctx context.Context, job *model.Job, msg string, errCtx map[string]any, res *model.TickResult) {
	res.ItemsFailed++
	res.Errors = append(res.Errors, clip(fmt.Sprintf("job %s (%s): %s", job.ID, job.JobType, msg)))

	_, requeued, err := p.store.MarkJobFailedRetry(ctx, job.ID, msg, errCtx)
	if err != nil {
		p.logger.Error("mark job failed", "job_id", job.ID, "error", err)
		res.Errors = append(res.Errors, clip(fmt.Sprintf("record failure for job %s: %v", job.ID, err)))
		return
	}
	if requeued {
		res.ItemsRequeued++
	} else {
		res.ItemsMaxRetries++
		p.logger.Warn("job failed terminally", "job_id", job.ID, "job_type", job.JobType, "error", msg)
	}
}

func tickStatus(res model.TickResult) string {
	if res.ItemsFailed == 0 && len(res.Errors) == 0 {
		return "success"
	}
	if res.ItemsSucceeded > 0 {
		return "partial"
	}
	return "error"
}

func clip(s string) string {
	if len(s) <= tickErrorLen {
		return s
	}
	return s[:tickErrorLen]
}
