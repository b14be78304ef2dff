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

// TaskStore is the document queue's view of persistence.
type TaskStore interface {
	RecoverStuckDocumentTasks(ctx context.Context, threshold time.Duration) (int, error)
	GetPendingDocumentTasks(ctx context.Context, limit int) ([]model.DocumentTask, error)
	ClaimDocumentTask(ctx context.Context, id uuid.UUID) (model.DocumentTask, bool, error)
	MarkDocumentTaskCompleted(ctx context.Context, id uuid.UUID) (model.DocumentTask, error)
	MarkDocumentTaskFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, errCtx map[string]any) (model.DocumentTask, bool, error)
}

// Pipeline consumes a claimed document task. The docproc package provides
// the real implementation; tests substitute fakes.
type Pipeline interface {
	Process(ctx context.Context, task model.DocumentTask) error
}

// DocProcessor drains the document task queue. Same tick shape as Processor,
// but there is no registry: every task goes through the one pipeline.
type DocProcessor struct {
	store     TaskStore
	pipeline  Pipeline
	logger    *slog.Logger
	batchSize int
}

// NewDocProcessor wires a document processor to its store and pipeline.
func NewDocProcessor(store TaskStore, pipeline Pipeline, logger *slog.Logger) *DocProcessor {
	return &DocProcessor{
		store:     store,
		pipeline:  pipeline,
		logger:    logger,
		batchSize: DefaultBatchSize,
	}
}

// Tick runs one document-queue pass: recover, fetch, claim, process.
func (p *DocProcessor) Tick(ctx context.Context) (model.TickResult, error) {
	res := model.TickResult{Status: "success", Errors: []string{}, Timestamp: time.Now().UTC()}

	recovered, err := p.store.RecoverStuckDocumentTasks(ctx, storage.StuckThreshold)
	if err != nil {
		res.Status = "error"
		res.Errors = append(res.Errors, clip(fmt.Sprintf("recover stuck document tasks: %v", err)))
		return res, err
	}
	res.ItemsRecovered = recovered
	if recovered > 0 {
		p.logger.Warn("recovered stuck document tasks", "count", recovered)
	}

	tasks, err := p.store.GetPendingDocumentTasks(ctx, p.batchSize)
	if err != nil {
		res.Status = "error"
		res.Errors = append(res.Errors, clip(fmt.Sprintf("fetch pending document tasks: %v", err)))
		return res, err
	}

	for i := range tasks {
		select {
		case <-ctx.Done():
			res.Errors = append(res.Errors, "tick interrupted: "+ctx.Err().Error())
			res.Status = tickStatus(res)
			return res, ctx.Err()
		default:
		}

		claimed, ok, err := p.store.ClaimDocumentTask(ctx, tasks[i].ID)
		if err != nil {
			res.Errors = append(res.Errors, clip(fmt.Sprintf("claim document task %s: %v", tasks[i].ID, err)))
			continue
		}
		if !ok {
			continue
		}

		res.ItemsProcessed++
		p.runTask(ctx, claimed, &res)
	}

	res.Status = tickStatus(res)
	p.logger.Info("document queue tick complete",
		"processed", res.ItemsProcessed,
		"succeeded", res.ItemsSucceeded,
		"failed", res.ItemsFailed,
		"requeued", res.ItemsRequeued,
		"recovered", res.ItemsRecovered,
	)
	return res, nil
}

func (p *DocProcessor) runTask(ctx context.Context, task model.DocumentTask, res *model.TickResult) {
	err := p.process(ctx, task)
	if err != nil {
		res.ItemsFailed++
		res.Errors = append(res.Errors, clip(fmt.Sprintf("document task %s: %v", task.ID, err)))

		_, requeued, markErr := p.store.MarkDocumentTaskFailedRetry(ctx, task.ID, err.Error(),
			map[string]any{"document_id": task.DocumentID.String(), "operation": string(task.Operation)})
		if markErr != nil {
			p.logger.Error("mark document task failed", "task_id", task.ID, "error", markErr)
			res.Errors = append(res.Errors, clip(fmt.Sprintf("record failure for task %s: %v", task.ID, markErr)))
			return
		}
		if requeued {
			res.ItemsRequeued++
		} else {
			res.ItemsMaxRetries++
			p.logger.Warn("document task failed terminally", "task_id", task.ID, "document_id", task.DocumentID, "error", err)
		}
		return
	}

	if _, err := p.store.MarkDocumentTaskCompleted(ctx, task.ID); err != nil {
		p.logger.Error("mark document task completed", "task_id", task.ID, "error", err)
		res.Errors = append(res.Errors, clip(fmt.Sprintf("complete task %s: %v", task.ID, err)))
		return
	}
	res.ItemsSucceeded++
}

func (p *DocProcessor) process(ctx context.Context, task model.DocumentTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panicked", "task_id", task.ID, "panic", r)
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return p.pipeline.Process(ctx, task)
}
