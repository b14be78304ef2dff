package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/search"
	"github.com/npdlabs/npd/internal/storage"
	"github.com/npdlabs/npd/internal/sync"
)

// Store is the server's view of persistence, satisfied by *storage.DB.
type Store interface {
	CreateJob(ctx context.Context, p storage.CreateJobParams) (model.Job, error)
	ListJobs(ctx context.Context, filters storage.JobFilters, limit, offset int) ([]model.Job, error)
	ManualRetryJob(ctx context.Context, id uuid.UUID, resetAttempts bool) (model.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)

	ListDocumentTasks(ctx context.Context, status *model.JobStatus, limit, offset int) ([]model.DocumentTask, error)
	ManualRetryDocumentTask(ctx context.Context, id uuid.UUID, resetAttempts bool) (model.DocumentTask, error)
	CancelDocumentTask(ctx context.Context, id uuid.UUID) (bool, error)

	ListOpenSyncConflicts(ctx context.Context, entityType *model.EntityType, limit, offset int) ([]model.SyncConflict, error)

	CreateResolutionRule(ctx context.Context, r model.AutoResolutionRule) (model.AutoResolutionRule, error)
	ListResolutionRules(ctx context.Context) ([]model.AutoResolutionRule, error)
	SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteResolutionRule(ctx context.Context, id uuid.UUID) error

	CreateTag(ctx context.Context, name, tagType string) (model.Tag, error)
	ListTags(ctx context.Context) ([]model.Tag, error)
	CreateTagSynonym(ctx context.Context, tagID, synonymTagID uuid.UUID, confidence float64, createdBy *string) (model.TagSynonym, error)
	DeleteTagSynonym(ctx context.Context, tagID, synonymTagID uuid.UUID) error
	MergeTags(ctx context.Context, targetID, sourceID uuid.UUID) (int, error)

	Ping(ctx context.Context) error
}

// JobTicker runs one generic-queue tick, satisfied by *queue.Processor.
type JobTicker interface {
	Tick(ctx context.Context, types []model.JobType) (model.TickResult, error)
}

// TaskTicker runs one document-queue tick, satisfied by *queue.DocProcessor.
type TaskTicker interface {
	Tick(ctx context.Context) (model.TickResult, error)
}

// IngressService applies one webhook event, satisfied by *sync.Ingress.
type IngressService interface {
	HandleEvent(ctx context.Context, boardType board.BoardType, eventType sync.EventType, item board.Item) (sync.Outcome, error)
}

// ConflictResolver resolves sync conflicts, satisfied by *sync.Resolver.
type ConflictResolver interface {
	Resolve(ctx context.Context, conflictID uuid.UUID, resolution model.ResolutionType, mergeSources map[string]string, resolvedBy *uuid.UUID) (model.SyncConflict, error)
	BulkResolve(ctx context.Context, conflictIDs []uuid.UUID, resolution model.ResolutionType, resolvedBy *uuid.UUID) (model.BulkResolutionOutcome, error)
}

// Searcher runs hybrid searches, satisfied by *search.Service.
type Searcher interface {
	Search(ctx context.Context, p search.Params, filters storage.SearchFilters) (search.Result, error)
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Store    Store
	Queue    JobTicker
	DocQueue TaskTicker
	Ingress  IngressService
	Resolver ConflictResolver
	Searcher Searcher
	Logger   *slog.Logger

	// APITokenHash is the Argon2id hash of the cron/admin bearer token.
	APITokenHash string
	// WebhookSecret verifies board webhook signatures. Empty disables
	// verification with a startup warning.
	WebhookSecret string
	// BoardIDs maps external board identifiers to their kind, so webhook
	// payloads can be routed by the board they came from.
	BoardIDs map[string]board.BoardType

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// Handlers carries the request handlers and their dependencies.
type Handlers struct {
	store    Store
	queue    JobTicker
	docQueue TaskTicker
	ingress  IngressService
	resolver ConflictResolver
	searcher Searcher
	logger   *slog.Logger

	webhookSecret string
	boardIDs      map[string]board.BoardType
	maxBody       int64
}

// Server is the NPD HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.WebhookSecret == "" {
		cfg.Logger.Warn("no webhook secret configured, webhook signatures will not be verified")
	}

	h := &Handlers{
		store:         cfg.Store,
		queue:         cfg.Queue,
		docQueue:      cfg.DocQueue,
		ingress:       cfg.Ingress,
		resolver:      cfg.Resolver,
		searcher:      cfg.Searcher,
		logger:        cfg.Logger,
		webhookSecret: cfg.WebhookSecret,
		boardIDs:      cfg.BoardIDs,
		maxBody:       cfg.MaxRequestBodyBytes,
	}

	mux := http.NewServeMux()

	// Cron tick endpoints, hit by the external scheduler.
	mux.HandleFunc("GET /cron/jobs", h.HandleCronJobs)
	mux.HandleFunc("GET /cron/document-queue", h.HandleCronDocumentQueue)
	mux.HandleFunc("GET /cron/sync-queue", h.HandleCronSyncQueue)
	mux.HandleFunc("GET /cron/jira-refresh", h.HandleCronJiraRefresh)
	mux.HandleFunc("GET /cron/team-sync", h.HandleCronTeamSync)

	// Board webhooks. Signature-verified inside the handler, not by the
	// bearer middleware.
	mux.HandleFunc("POST /webhooks/{board}", h.HandleWebhook)

	// Admin: queue inspection and controls.
	mux.HandleFunc("GET /admin/jobs", h.HandleListJobs)
	mux.HandleFunc("POST /admin/jobs/{id}/retry", h.HandleRetryJob)
	mux.HandleFunc("DELETE /admin/jobs/{id}", h.HandleCancelJob)
	mux.HandleFunc("GET /admin/document-tasks", h.HandleListDocumentTasks)
	mux.HandleFunc("POST /admin/document-tasks/{id}/retry", h.HandleRetryDocumentTask)
	mux.HandleFunc("DELETE /admin/document-tasks/{id}", h.HandleCancelDocumentTask)

	// Admin: conflicts.
	mux.HandleFunc("GET /admin/conflicts", h.HandleListConflicts)
	mux.HandleFunc("POST /admin/conflicts/{id}/resolve", h.HandleResolveConflict)
	mux.HandleFunc("POST /admin/conflicts/bulk-resolve", h.HandleBulkResolve)

	// Admin: auto-resolution rules.
	mux.HandleFunc("GET /admin/resolution-rules", h.HandleListRules)
	mux.HandleFunc("POST /admin/resolution-rules", h.HandleCreateRule)
	mux.HandleFunc("PATCH /admin/resolution-rules/{id}", h.HandleSetRuleEnabled)
	mux.HandleFunc("DELETE /admin/resolution-rules/{id}", h.HandleDeleteRule)

	// Admin: tags and synonyms.
	mux.HandleFunc("GET /admin/tags", h.HandleListTags)
	mux.HandleFunc("POST /admin/tags", h.HandleCreateTag)
	mux.HandleFunc("POST /admin/tags/merge", h.HandleMergeTags)
	mux.HandleFunc("POST /admin/synonyms", h.HandleCreateSynonym)
	mux.HandleFunc("DELETE /admin/synonyms", h.HandleDeleteSynonym)

	// Search.
	mux.HandleFunc("POST /search", h.HandleSearch)

	// Health (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.APITokenHash, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
