package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/npdlabs/npd/internal/auth"
	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/config"
	"github.com/npdlabs/npd/internal/docproc"
	"github.com/npdlabs/npd/internal/embedding"
	"github.com/npdlabs/npd/internal/extract"
	"github.com/npdlabs/npd/internal/filestore"
	"github.com/npdlabs/npd/internal/importer"
	"github.com/npdlabs/npd/internal/jira"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/queue"
	"github.com/npdlabs/npd/internal/search"
	"github.com/npdlabs/npd/internal/server"
	"github.com/npdlabs/npd/internal/storage"
	"github.com/npdlabs/npd/internal/sync"
	"github.com/npdlabs/npd/internal/teamsync"
	"github.com/npdlabs/npd/internal/telemetry"
	"github.com/npdlabs/npd/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("NPD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("npd starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Register queue depth gauges (after telemetry.Init).
	db.RegisterQueueMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	apiTokenHash, err := auth.HashToken(cfg.APIToken)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := embedding.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)

	files, err := filestore.NewLocal(cfg.FileStoreRoot)
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}

	// Board sync wiring. The board client is shared by egress (pushes) and
	// ingress (webhook reconciliation).
	boardClient := board.NewClient(board.Config{
		BaseURL:  cfg.BoardAPIURL,
		APIToken: cfg.BoardAPIToken,
		BoardIDs: map[board.BoardType]string{
			board.BoardContacts:      cfg.ContactBoardID,
			board.BoardOrganizations: cfg.OrgBoardID,
		},
	}, logger)

	egress := sync.NewEgress(db, boardClient, logger)
	autoResolver := sync.NewAutoResolver(db, egress, logger)
	ingress := sync.NewIngress(db, boardClient, autoResolver, logger)
	resolver := sync.NewResolver(db, egress, logger)

	// Document processing and embedding backfill.
	pipeline := docproc.New(db, files, extract.NewRegistry(), embedder, logger)
	backfill := docproc.NewBackfill(db, embedder, logger)

	// Periodic integrations.
	jiraRefresher := jira.NewRefresher(db, jira.NewClient(cfg.JiraBaseURL, cfg.JiraAPIToken, 0), cfg.JiraStatusTTL, logger)
	teamSyncer := teamsync.New(db, teamsync.NewClient(cfg.DirectoryURL, cfg.DirectoryToken, 0), logger)
	bulkImporter := importer.New(db, logger)

	// Job queue: every job type gets a registered handler; jobs with no
	// handler fail permanently at dispatch.
	registry := queue.NewRegistry()
	registry.Register(model.JobTypeJiraRefresh, jiraRefresher.Handler())
	registry.Register(model.JobTypeBulkImport, bulkImporter.Handler())
	registry.Register(model.JobTypeTeamSync, teamSyncer.Handler())
	registry.Register(model.JobTypeDocumentProcessing, pipeline.JobHandler())
	registry.Register(model.JobTypeEmbeddingGeneration, backfill.Handler())
	registry.Register(model.JobTypeContactEgress, egress.ContactEgressHandler)
	registry.Register(model.JobTypeOrgEgress, egress.OrganizationEgressHandler)
	registry.Register(model.JobTypeContactBoardSync, ingress.BoardSyncHandler(board.BoardContacts))
	registry.Register(model.JobTypeOrgBoardSync, ingress.BoardSyncHandler(board.BoardOrganizations))

	processor := queue.NewProcessor(db, registry, logger)
	docProcessor := queue.NewDocProcessor(db, pipeline, logger)

	searcher := search.NewService(db, embedder, logger)

	srv := server.New(server.Config{
		Store:         db,
		Queue:         processor,
		DocQueue:      docProcessor,
		Ingress:       ingress,
		Resolver:      resolver,
		Searcher:      searcher,
		Logger:        logger,
		APITokenHash:  apiTokenHash,
		WebhookSecret: cfg.WebhookSecret,
		BoardIDs: map[string]board.BoardType{
			cfg.ContactBoardID: board.BoardContacts,
			cfg.OrgBoardID:     board.BoardOrganizations,
		},
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests and drain in-flight ones.
	// Claimed jobs interrupted here are recovered by the stuck-job sweep on a
	// later tick.
	slog.Info("npd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("npd stopped")
	return nil
}
