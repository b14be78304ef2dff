package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/storage"
	"github.com/npdlabs/npd/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func enqueue(t *testing.T, p storage.CreateJobParams) model.Job {
	t.Helper()
	job, err := testDB.CreateJob(context.Background(), p)
	require.NoError(t, err)
	return job
}

func TestCreateJobDeduplicates(t *testing.T) {
	entityID := uuid.New()
	et := "contact"

	first := enqueue(t, storage.CreateJobParams{
		JobType: model.JobTypeContactEgress, EntityType: &et, EntityID: &entityID, Deduplicate: true,
	})
	second := enqueue(t, storage.CreateJobParams{
		JobType: model.JobTypeContactEgress, EntityType: &et, EntityID: &entityID, Deduplicate: true,
	})
	assert.Equal(t, first.ID, second.ID, "active job for the same entity is reused")

	// A different entity gets its own job.
	otherID := uuid.New()
	third := enqueue(t, storage.CreateJobParams{
		JobType: model.JobTypeContactEgress, EntityType: &et, EntityID: &otherID, Deduplicate: true,
	})
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateJobDeduplicatesNilEntityAsSingleton(t *testing.T) {
	first := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeTeamSync, Deduplicate: true})
	second := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeTeamSync, Deduplicate: true})
	assert.Equal(t, first.ID, second.ID, "jobs with no entity dedup per type")
}

func TestDedupIgnoresFinishedJobs(t *testing.T) {
	ctx := context.Background()

	first := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeJiraRefresh, Deduplicate: true})
	_, claimed, err := testDB.ClaimJob(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = testDB.MarkJobCompleted(ctx, first.ID, map[string]any{"links_checked": 0})
	require.NoError(t, err)

	second := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeJiraRefresh, Deduplicate: true})
	assert.NotEqual(t, first.ID, second.ID, "completed jobs never satisfy dedup")
}

func TestClaimJobIsExclusive(t *testing.T) {
	ctx := context.Background()
	job := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport})

	claimedJob, ok, err := testDB.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.JobStatusInProgress, claimedJob.Status)
	assert.NotNil(t, claimedJob.StartedAt)

	_, ok, err = testDB.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")
}

func TestMarkJobFailedRetrySchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	job := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport, MaxAttempts: 5})
	_, _, err := testDB.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	updated, requeued, err := testDB.MarkJobFailedRetry(ctx, job.ID, "connection refused", nil)
	require.NoError(t, err)
	assert.True(t, requeued)
	assert.Equal(t, model.JobStatusPending, updated.Status)
	assert.Equal(t, 1, updated.Attempts)

	// Attempt 1 waits one minute; the job must not be eligible yet.
	require.NotNil(t, updated.NextRetry)
	wait := time.Until(*updated.NextRetry)
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)

	pending, err := testDB.GetPendingJobs(ctx, []model.JobType{model.JobTypeBulkImport}, 100)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, job.ID, p.ID, "backed-off job must not be claimable yet")
	}
}

func TestMarkJobFailedRetryPermanentError(t *testing.T) {
	ctx := context.Background()
	job := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport, MaxAttempts: 5})
	_, _, err := testDB.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	updated, requeued, err := testDB.MarkJobFailedRetry(ctx, job.ID, "importer: invalid payload: missing rows", nil)
	require.NoError(t, err)
	assert.False(t, requeued, "non-retryable errors fail on the first attempt")
	assert.Equal(t, model.JobStatusFailed, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
}

func TestMarkJobFailedRetryExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	job := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport, MaxAttempts: 2})

	for i := 0; i < 2; i++ {
		_, err := testDB.ManualRetryJob(ctx, job.ID, false)
		if i > 0 {
			require.NoError(t, err)
		}
		_, _, err = testDB.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		_, _, err = testDB.MarkJobFailedRetry(ctx, job.ID, "timeout", nil)
		require.NoError(t, err)
	}

	final, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
}

func TestRecoverStuckJobs(t *testing.T) {
	ctx := context.Background()

	stuck := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeDocumentProcessing})
	fresh := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeDocumentProcessing})
	for _, j := range []model.Job{stuck, fresh} {
		_, ok, err := testDB.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Backdate one job past the threshold, leave the other just inside it.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE jobs SET started_at = now() - interval '31 minutes' WHERE id = $1`, stuck.ID)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE jobs SET started_at = now() - interval '29 minutes' WHERE id = $1`, fresh.ID)
	require.NoError(t, err)

	n, err := testDB.RecoverStuckJobs(ctx, storage.StuckThreshold)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	recovered, err := testDB.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, recovered.Status)
	require.NotNil(t, recovered.ErrorMessage)
	assert.Contains(t, *recovered.ErrorMessage, "recovered")

	untouched, err := testDB.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, untouched.Status, "29-minute job stays claimed")
}

func TestManualRetryJob(t *testing.T) {
	ctx := context.Background()
	job := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport, MaxAttempts: 2})
	_, _, err := testDB.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	_, _, err = testDB.MarkJobFailedRetry(ctx, job.ID, "importer: invalid payload: missing rows", nil)
	require.NoError(t, err)

	retried, err := testDB.ManualRetryJob(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, retried.Status)
	assert.Zero(t, retried.Attempts, "reset_attempts restarts the budget")
	assert.Nil(t, retried.ErrorMessage)

	// Completed jobs cannot be retried, and a missing ID maps to ErrNotFound.
	_, _, err = testDB.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = testDB.MarkJobCompleted(ctx, job.ID, nil)
	require.NoError(t, err)
	_, err = testDB.ManualRetryJob(ctx, job.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be retried")

	_, err = testDB.ManualRetryJob(ctx, uuid.New(), false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelJobOnlyPending(t *testing.T) {
	ctx := context.Background()

	pending := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport})
	cancelled, err := testDB.CancelJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	_, err = testDB.GetJob(ctx, pending.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	running := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeBulkImport})
	_, _, err = testDB.ClaimJob(ctx, running.ID)
	require.NoError(t, err)
	cancelled, err = testDB.CancelJob(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "in-progress jobs are left to finish")
}

func TestGetPendingJobsOrdering(t *testing.T) {
	ctx := context.Background()

	low := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeEmbeddingGeneration, Priority: 0})
	high := enqueue(t, storage.CreateJobParams{JobType: model.JobTypeEmbeddingGeneration, Priority: 10})

	pending, err := testDB.GetPendingJobs(ctx, []model.JobType{model.JobTypeEmbeddingGeneration}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID, "highest priority first")
	assert.Equal(t, low.ID, pending[1].ID)
}

func createTestDocument(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	project, err := testDB.CreateProject(ctx, model.Project{Name: "doc host", Status: "ACTIVE"})
	require.NoError(t, err)
	doc, err := testDB.CreateDocument(ctx, model.Document{
		ProjectID: project.ID, Filename: "spec.pdf", MIMEType: "application/pdf",
		StoragePath: "spec.pdf",
	})
	require.NoError(t, err)
	return doc.ID
}

func TestDocumentTaskLifecycle(t *testing.T) {
	ctx := context.Background()

	doc := createTestDocument(t)
	task, err := testDB.CreateDocumentTask(ctx, doc, model.TaskOperationProcess, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, task.Status)

	claimed, ok, err := testDB.ClaimDocumentTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.JobStatusInProgress, claimed.Status)

	_, requeued, err := testDB.MarkDocumentTaskFailedRetry(ctx, task.ID, "timeout", nil)
	require.NoError(t, err)
	assert.True(t, requeued)

	// Document tasks live in their own table; the job queue never sees them.
	jobs, err := testDB.ListJobs(ctx, storage.JobFilters{}, 500, 0)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, task.ID, j.ID)
	}
}

func TestContactSchemaDefaultsSyncStatusPending(t *testing.T) {
	ctx := context.Background()

	// Rows created outside the storage layer still land inside the sync
	// status enum.
	id := uuid.New()
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO contacts (id, first_name, last_name, email) VALUES ($1, 'Grace', 'Hopper', $2)`,
		id, fmt.Sprintf("grace-%s@example.com", id))
	require.NoError(t, err)

	c, err := testDB.GetContact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPending, c.SyncStatus)
	assert.Equal(t, model.SyncDirectionBidirectional, c.SyncDirection)
}

func TestRankProjectsByDocumentsSumsAcrossDocuments(t *testing.T) {
	ctx := context.Background()

	many, err := testDB.CreateProject(ctx, model.Project{Name: "fleet rollout", Status: "ACTIVE"})
	require.NoError(t, err)
	one, err := testDB.CreateProject(ctx, model.Project{Name: "fleet audit", Status: "ACTIVE"})
	require.NoError(t, err)

	addDoc := func(projectID uuid.UUID, name, text string) {
		t.Helper()
		doc, err := testDB.CreateDocument(ctx, model.Document{
			ProjectID: projectID, Filename: name, MIMEType: "text/plain", StoragePath: name,
		})
		require.NoError(t, err)
		require.NoError(t, testDB.SetDocumentText(ctx, doc.ID, text))
	}

	// One project with two moderate matches, one with a single stronger match.
	// Summing per project must rank the first ahead even though its best
	// single document scores lower.
	addDoc(many.ID, "a.txt", "quasarlift rollout notes")
	addDoc(many.ID, "b.txt", "quasarlift operator runbook")
	addDoc(one.ID, "c.txt", "quasarlift quasarlift migration")

	ranked, err := testDB.RankProjectsByDocuments(ctx, "quasarlift", storage.SearchFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, many.ID, ranked[0])
	assert.Equal(t, one.ID, ranked[1])
}

func TestTagSynonymsAndMerge(t *testing.T) {
	ctx := context.Background()

	k8s, err := testDB.CreateTag(ctx, "k8s", "TOPIC")
	require.NoError(t, err)
	kube, err := testDB.CreateTag(ctx, "kubernetes", "TOPIC")
	require.NoError(t, err)

	_, err = testDB.CreateTag(ctx, "k8s", "TOPIC")
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = testDB.CreateTagSynonym(ctx, k8s.ID, kube.ID, 1.0, nil)
	require.NoError(t, err)

	neighbors, err := testDB.SynonymNeighbors(ctx, []uuid.UUID{k8s.ID})
	require.NoError(t, err)
	assert.Contains(t, neighbors[k8s.ID], kube.ID, "synonym edges are bidirectional")

	project, err := testDB.CreateProject(ctx, model.Project{
		Name: "cluster upgrade", Status: "ACTIVE", TagIDs: []uuid.UUID{kube.ID},
	})
	require.NoError(t, err)

	updated, err := testDB.MergeTags(ctx, k8s.ID, kube.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := testDB.GetProjectsByIDs(ctx, []uuid.UUID{project.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].TagIDs, k8s.ID, "merged projects point at the surviving tag")
	assert.NotContains(t, got[0].TagIDs, kube.ID)
}
