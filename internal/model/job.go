// Package model defines the domain types shared across the NPD
// work-coordination core: queue jobs, document tasks, synced entities,
// sync conflicts, tags, and searchable projects/documents.
//
// Enums are persisted as uppercase symbol names (e.g. "PENDING",
// "BIDIRECTIONAL"). Lowercase labels appear only in API request and
// response bodies and are translated at the boundary by the Parse/Label
// helpers in this package.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Label returns the lowercase API form of the status.
func (s JobStatus) Label() string { return strings.ToLower(string(s)) }

// ParseJobStatus translates a lowercase API label into a JobStatus.
func ParseJobStatus(label string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "pending":
		return JobStatusPending, nil
	case "in_progress":
		return JobStatusInProgress, nil
	case "completed":
		return JobStatusCompleted, nil
	case "failed":
		return JobStatusFailed, nil
	default:
		return "", fmt.Errorf("model: unknown job status %q", label)
	}
}

// JobType identifies which registered handler processes a job.
type JobType string

const (
	JobTypeJiraRefresh         JobType = "JIRA_REFRESH"
	JobTypeBulkImport          JobType = "BULK_IMPORT"
	JobTypeContactBoardSync    JobType = "CONTACT_BOARD_SYNC"
	JobTypeOrgBoardSync        JobType = "ORGANIZATION_BOARD_SYNC"
	JobTypeDocumentProcessing  JobType = "DOCUMENT_PROCESSING"
	JobTypeEmbeddingGeneration JobType = "EMBEDDING_GENERATION"
	JobTypeTeamSync            JobType = "TEAM_SYNC"
	JobTypeContactEgress       JobType = "CONTACT_EGRESS"
	JobTypeOrgEgress           JobType = "ORGANIZATION_EGRESS"
)

// EgressJobTypes are the job types processed by the /cron/sync-queue tick.
var EgressJobTypes = []JobType{JobTypeContactEgress, JobTypeOrgEgress}

// DefaultMaxAttempts is the attempt budget for new jobs unless overridden.
const DefaultMaxAttempts = 5

// Job is a persisted unit of background work.
type Job struct {
	ID           uuid.UUID
	JobType      JobType
	Status       JobStatus
	EntityType   *string
	EntityID     *uuid.UUID
	Payload      map[string]any
	Result       map[string]any
	ErrorMessage *string
	ErrorContext map[string]any
	Priority     int
	Attempts     int
	MaxAttempts  int
	NextRetry    *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastAttempt  *time.Time
	CreatedBy    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskOperation distinguishes first-time processing from reprocessing.
type TaskOperation string

const (
	TaskOperationProcess   TaskOperation = "PROCESS"
	TaskOperationReprocess TaskOperation = "REPROCESS"
)

// Label returns the lowercase API form of the operation.
func (o TaskOperation) Label() string { return strings.ToLower(string(o)) }

// ParseTaskOperation translates a lowercase API label into a TaskOperation.
func ParseTaskOperation(label string) (TaskOperation, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "process":
		return TaskOperationProcess, nil
	case "reprocess":
		return TaskOperationReprocess, nil
	default:
		return "", fmt.Errorf("model: unknown task operation %q", label)
	}
}

// DocumentTask is a queue row specific to document processing. It shares the
// Job lifecycle (status, attempts, back-off, stuck recovery) but lives in its
// own table, is always keyed by a document, and has no handler registry:
// the built-in pipeline in docproc is the only consumer.
type DocumentTask struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	Operation    TaskOperation
	Status       JobStatus
	ErrorMessage *string
	ErrorContext map[string]any
	Priority     int
	Attempts     int
	MaxAttempts  int
	NextRetry    *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastAttempt  *time.Time
	CreatedBy    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TickResult aggregates the outcome of one queue-processor tick.
// Serialized as the response body of the /cron endpoints.
type TickResult struct {
	Status          string    `json:"status"` // "success", "partial", or "error"
	ItemsProcessed  int       `json:"items_processed"`
	ItemsSucceeded  int       `json:"items_succeeded"`
	ItemsFailed     int       `json:"items_failed"`
	ItemsRequeued   int       `json:"items_requeued"`
	ItemsMaxRetries int       `json:"items_max_retries"`
	ItemsRecovered  int       `json:"items_recovered"`
	Errors          []string  `json:"errors"`
	Timestamp       time.Time `json:"timestamp"`
}
