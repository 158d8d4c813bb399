package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/pdfsanitize/archive"
	"github.com/drummonds/pdfsanitize/batch"
	"github.com/drummonds/pdfsanitize/config"
	"github.com/drummonds/pdfsanitize/database"
	"github.com/drummonds/pdfsanitize/engine/metrics"
	"github.com/drummonds/pdfsanitize/sandbox"
	"github.com/drummonds/pdfsanitize/session"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// Repository is the batch ledger as the daemon needs it
type Repository interface {
	batch.Ledger
	ListBatches(ctx context.Context, limit, offset int) ([]database.Batch, error)
	GetBatch(ctx context.Context, id string) (*database.Batch, error)
	LastSucceeded(ctx context.Context, path string) (time.Time, error)
}

// ServerHandler will inject the variables needed into routes and jobs
type ServerHandler struct {
	DB           Repository
	Echo         *echo.Echo
	Config       config.Config
	Orchestrator *batch.Orchestrator
	Metrics      *metrics.Metrics

	// ingestMu is held for the whole of a batch, and forever once drained
	ingestMu sync.Mutex
	// ctx bounds every batch the daemon runs
	ctx context.Context
}

// NewServerHandler wires the orchestrator to the ledger, the metrics and the
// archiver. Batches it runs are cancelled with ctx.
func NewServerHandler(ctx context.Context, cfg config.Config, db Repository, prov sandbox.Provisioner, e *echo.Echo) (*ServerHandler, error) {
	m := metrics.New()
	orch, err := NewOrchestrator(cfg, prov, logger(), batch.WithLedger(db), batch.WithRecorder(m))
	if err != nil {
		return nil, err
	}
	return &ServerHandler{
		DB:           db,
		Echo:         e,
		Config:       cfg,
		Orchestrator: orch,
		Metrics:      m,
		ctx:          ctx,
	}, nil
}

// SessionConfig returns the client side settings of one session
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Resolution:      cfg.Resolution,
		MaxDocumentSize: cfg.MaxDocumentSize,
		MaxPages:        cfg.MaxPages,
		MaxPageBytes:    cfg.MaxPageBytes,
		SessionTimeout:  cfg.SessionTimeout,
		WorkDir:         cfg.WorkDir,
	}
}

// BatchConfig returns the orchestrator settings
func BatchConfig(cfg config.Config) batch.Config {
	return batch.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Session:       SessionConfig(cfg),
	}
}

// RenderEnv is the whole environment handed to the sandbox command. Nothing
// else from our own environment leaks into the rendering side.
func RenderEnv(cfg config.Config) []string {
	env := []string{
		"LOG_OUTPUT=stderr",
		"LOG_LEVEL=" + os.Getenv("LOG_LEVEL"),
		"SANITIZE_RESOLUTION=" + strconv.Itoa(cfg.Resolution),
		"SANITIZE_PAGE_TIMEOUT=" + cfg.PageTimeout.String(),
		"SANITIZE_MAX_DOCUMENT_SIZE=" + strconv.FormatInt(cfg.MaxDocumentSize, 10),
		"SANITIZE_MAX_PAGES=" + strconv.Itoa(cfg.MaxPages),
		"SANITIZE_MAX_PAGE_BYTES=" + strconv.FormatInt(cfg.MaxPageBytes, 10),
		"SANITIZE_FAIL_FAST=" + strconv.FormatBool(cfg.FailFast),
		"SANITIZE_ENGINE=" + cfg.Engine,
	}
	// Wrappers such as docker or bwrap are looked up on PATH.
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}

// NewProvisioner starts one sandbox command per document
func NewProvisioner(cfg config.Config, logger *slog.Logger) (*sandbox.CommandProvisioner, error) {
	return sandbox.NewCommandProvisioner(cfg.SandboxCommand, RenderEnv(cfg), logger)
}

// NewArchiver returns what happens to originals after success
func NewArchiver(cfg config.Config, logger *slog.Logger) (*archive.Archiver, error) {
	mode, err := archive.ParseMode(cfg.ArchiveMode)
	if err != nil {
		return nil, err
	}
	return archive.New(mode, cfg.ArchivePath, logger), nil
}

// NewOrchestrator wires a batch orchestrator with the configured archiver
func NewOrchestrator(cfg config.Config, prov sandbox.Provisioner, logger *slog.Logger, opts ...batch.Option) (*batch.Orchestrator, error) {
	archiver, err := NewArchiver(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	opts = append([]batch.Option{batch.WithFinisher(archiver)}, opts...)
	return batch.New(BatchConfig(cfg), prov, logger, opts...), nil
}

func logger() *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger
}
