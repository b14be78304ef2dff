package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/backoff"
	"github.com/npdlabs/npd/internal/model"
)

// fakeStore is an in-memory Store that mirrors the real lifecycle
// transitions, including back-off classification on failure.
type fakeStore struct {
	jobs          map[uuid.UUID]*model.Job
	order         []uuid.UUID
	recoverCount  int
	claimedBefore map[uuid.UUID]bool // simulate a concurrent tick winning the claim
	failRecover   error
	failFetch     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:          make(map[uuid.UUID]*model.Job),
		claimedBefore: make(map[uuid.UUID]bool),
	}
}

func (s *fakeStore) addJob(jobType model.JobType) *model.Job {
	j := &model.Job{
		ID:          uuid.New(),
		JobType:     jobType,
		Status:      model.JobStatusPending,
		MaxAttempts: model.DefaultMaxAttempts,
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return j
}

func (s *fakeStore) RecoverStuckJobs(ctx context.Context, threshold time.Duration) (int, error) {
	if s.failRecover != nil {
		return 0, s.failRecover
	}
	return s.recoverCount, nil
}

func (s *fakeStore) GetPendingJobs(ctx context.Context, types []model.JobType, limit int) ([]model.Job, error) {
	if s.failFetch != nil {
		return nil, s.failFetch
	}
	var out []model.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != model.JobStatusPending {
			continue
		}
		if len(types) > 0 {
			found := false
			for _, t := range types {
				if j.JobType == t {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, *j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ClaimJob(ctx context.Context, id uuid.UUID) (model.Job, bool, error) {
	j, ok := s.jobs[id]
	if !ok || j.Status != model.JobStatusPending || s.claimedBefore[id] {
		return model.Job{}, false, nil
	}
	j.Status = model.JobStatusInProgress
	now := time.Now()
	j.StartedAt = &now
	return *j, true, nil
}

func (s *fakeStore) MarkJobCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, errors.New("not found")
	}
	j.Status = model.JobStatusCompleted
	j.Result = result
	return *j, nil
}

func (s *fakeStore) MarkJobFailedRetry(ctx context.Context, id uuid.UUID, errMsg string, errCtx map[string]any) (model.Job, bool, error) {
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, false, errors.New("not found")
	}
	j.Attempts++
	msg := backoff.Truncate(errMsg)
	j.ErrorMessage = &msg
	terminal := !backoff.Retryable(errMsg) || j.Attempts >= j.MaxAttempts
	if terminal {
		j.Status = model.JobStatusFailed
	} else {
		j.Status = model.JobStatusPending
	}
	return *j, !terminal, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTickCompletesJob(t *testing.T) {
	store := newFakeStore()
	job := store.addJob(model.JobTypeJiraRefresh)

	reg := NewRegistry()
	reg.Register(model.JobTypeJiraRefresh, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return map[string]any{"refreshed": 3}, nil
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, 1, res.ItemsSucceeded)
	assert.Equal(t, 0, res.ItemsFailed)
	assert.Equal(t, model.JobStatusCompleted, store.jobs[job.ID].Status)
	assert.Equal(t, map[string]any{"refreshed": 3}, store.jobs[job.ID].Result)
}

func TestTickRequeuesTransientFailure(t *testing.T) {
	store := newFakeStore()
	job := store.addJob(model.JobTypeContactEgress)

	reg := NewRegistry()
	reg.Register(model.JobTypeContactEgress, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, errors.New("board api timeout")
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, 1, res.ItemsFailed)
	assert.Equal(t, 1, res.ItemsRequeued)
	assert.Equal(t, 0, res.ItemsMaxRetries)
	assert.Equal(t, model.JobStatusPending, store.jobs[job.ID].Status)
	assert.Equal(t, 1, store.jobs[job.ID].Attempts)
}

func TestTickFailsPermanentErrorTerminally(t *testing.T) {
	store := newFakeStore()
	job := store.addJob(model.JobTypeBulkImport)

	reg := NewRegistry()
	reg.Register(model.JobTypeBulkImport, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, errors.New("source file not found")
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ItemsFailed)
	assert.Equal(t, 0, res.ItemsRequeued)
	assert.Equal(t, 1, res.ItemsMaxRetries)
	assert.Equal(t, model.JobStatusFailed, store.jobs[job.ID].Status)
}

func TestTickFailsUnregisteredTypePermanently(t *testing.T) {
	store := newFakeStore()
	job := store.addJob(model.JobTypeTeamSync)

	res, err := NewProcessor(store, NewRegistry(), testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ItemsFailed)
	assert.Equal(t, 0, res.ItemsRequeued, "missing handler is a configuration error, not retryable")
	assert.Equal(t, model.JobStatusFailed, store.jobs[job.ID].Status)
	require.NotNil(t, store.jobs[job.ID].ErrorMessage)
	assert.Contains(t, *store.jobs[job.ID].ErrorMessage, "no handler registered")
}

func TestTickContainsHandlerPanic(t *testing.T) {
	store := newFakeStore()
	store.addJob(model.JobTypeJiraRefresh)
	survivor := store.addJob(model.JobTypeTeamSync)

	reg := NewRegistry()
	reg.Register(model.JobTypeJiraRefresh, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		panic("nil dereference in handler")
	})
	reg.Register(model.JobTypeTeamSync, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, nil
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.ItemsProcessed)
	assert.Equal(t, 1, res.ItemsFailed)
	assert.Equal(t, 1, res.ItemsSucceeded)
	assert.Equal(t, model.JobStatusCompleted, store.jobs[survivor.ID].Status)
}

func TestTickSkipsLostClaims(t *testing.T) {
	store := newFakeStore()
	contested := store.addJob(model.JobTypeJiraRefresh)
	store.claimedBefore[contested.ID] = true

	reg := NewRegistry()
	reg.Register(model.JobTypeJiraRefresh, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		t.Fatal("handler must not run for a lost claim")
		return nil, nil
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ItemsProcessed)
	assert.Equal(t, "success", res.Status)
}

func TestTickFiltersByType(t *testing.T) {
	store := newFakeStore()
	egress := store.addJob(model.JobTypeContactEgress)
	other := store.addJob(model.JobTypeJiraRefresh)

	reg := NewRegistry()
	reg.Register(model.JobTypeContactEgress, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, nil
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), model.EgressJobTypes)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, model.JobStatusCompleted, store.jobs[egress.ID].Status)
	assert.Equal(t, model.JobStatusPending, store.jobs[other.ID].Status)
}

func TestTickReportsRecoveredCount(t *testing.T) {
	store := newFakeStore()
	store.recoverCount = 2

	res, err := NewProcessor(store, NewRegistry(), testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ItemsRecovered)
}

func TestTickPartialStatus(t *testing.T) {
	store := newFakeStore()
	store.addJob(model.JobTypeJiraRefresh)
	store.addJob(model.JobTypeBulkImport)

	reg := NewRegistry()
	reg.Register(model.JobTypeJiraRefresh, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, nil
	})
	reg.Register(model.JobTypeBulkImport, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, errors.New("upstream 503")
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Status)
}

func TestTickErrorStatusOnInfraFailure(t *testing.T) {
	store := newFakeStore()
	store.failFetch = fmt.Errorf("connection refused")

	res, err := NewProcessor(store, NewRegistry(), testLogger()).Tick(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "error", res.Status)
}

func TestTickClipsErrorMessages(t *testing.T) {
	store := newFakeStore()
	store.addJob(model.JobTypeJiraRefresh)

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	reg := NewRegistry()
	reg.Register(model.JobTypeJiraRefresh, func(ctx context.Context, j *model.Job) (map[string]any, error) {
		return nil, errors.New(string(long))
	})

	res, err := NewProcessor(store, reg, testLogger()).Tick(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.LessOrEqual(t, len(res.Errors[0]), tickErrorLen)
}
