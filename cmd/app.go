package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/postgres"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"github.com/kozaktomas/photo-faces/internal/logging"
	"github.com/kozaktomas/photo-faces/internal/recognizer"
	"go.uber.org/zap"
)

// app holds everything a command needs once the environment is loaded.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	pool     *postgres.Pool
	executor *jobs.Executor
	service  *identity.Service
}

// newApp loads configuration, connects to PostgreSQL and wires the identity service.
// Standalone executors only run the jobs the command itself enqueues.
func newApp(ctx context.Context, standalone bool) (*app, error) {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	pool, err := postgres.Initialize(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	store, err := database.GetStore(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	rec, err := recognizer.NewClient(&cfg.Recognizer)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create recognizer client: %w", err)
	}

	execCfg := jobs.ConfigFromSettings(cfg.Executor)
	execCfg.Standalone = standalone
	executor := jobs.NewExecutor(store, execCfg, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		executor: executor,
		service:  identity.NewService(store, rec, executor, cfg, logger),
	}, nil
}

// start launches the executor workers.
func (a *app) start(ctx context.Context) error {
	if err := a.executor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}
	return nil
}

// close stops the executor and releases the database pool.
func (a *app) close() {
	a.executor.Stop()
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("failed to close database pool", zap.Error(err))
	}
	_ = a.logger.Sync()
}
