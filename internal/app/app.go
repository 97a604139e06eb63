package app

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

	"github.com/hashicorp/go-multierror"

	"github.com/foxzi/campaignd/internal/api"
	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/dispatch"
	"github.com/foxzi/campaignd/internal/eventlog"
	"github.com/foxzi/campaignd/internal/gateway"
	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/metrics"
	"github.com/foxzi/campaignd/internal/scheduler"
)

// App is the main application
type App struct {
	config        *config.Config
	storage       *job.BoltStorage
	logs          *eventlog.BoltSink
	provider      gateway.Provider
	fileProvider  *gateway.FileProvider
	engine        *dispatch.Engine
	scheduler     *scheduler.Scheduler
	cleaner       *job.Cleaner
	apiServer     *api.Server
	collector     *metrics.Collector
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Create storage
	storage, err := job.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a, err := build(cfg, storage, logger)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, storage *job.BoltStorage, logger *slog.Logger) (*App, error) {
	logs, err := eventlog.NewBoltSink(storage.DB(), cfg.EventLog.MaxEntries, logger.With("component", "eventlog"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	// Gateway settings come from a watched file or the service config
	var provider gateway.Provider
	var fileProvider *gateway.FileProvider
	switch {
	case cfg.Gateway.ConfigFile != "":
		fileProvider, err = gateway.NewFileProvider(cfg.Gateway.ConfigFile, logger.With("component", "gateway_config"))
		if err != nil {
			return nil, fmt.Errorf("failed to load gateway config: %w", err)
		}
		provider = fileProvider
	default:
		provider = gateway.NewStaticProvider(cfg.InlineGateway())
	}
	if !cfg.HasGateway() {
		logger.Warn("no gateway configured, jobs will fail until one is set")
	}

	client := gateway.NewClient(gateway.ClientOptions{
		CheckTimeout: cfg.Gateway.CheckTimeout,
		SendTimeout:  cfg.Gateway.SendTimeout,
	})

	engine := dispatch.NewEngine(storage, client, provider, logs, dispatch.Config{
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		BackoffBase:   cfg.Dispatch.BackoffBase,
		ProgressEvery: cfg.Dispatch.ProgressEvery,
		SendRate:      cfg.Dispatch.SendRate,
		SendBurst:     cfg.Dispatch.SendBurst,
	}, logger.With("component", "dispatch"))

	sched := scheduler.New(storage, engine, scheduler.Config{
		SweepInterval:     cfg.Scheduler.SweepInterval,
		GraceDelay:        cfg.Scheduler.GraceDelay,
		ResumeInterrupted: cfg.ResumeInterrupted(),
	}, logger.With("component", "scheduler"))

	cleaner := job.NewCleaner(storage, job.CleanerConfig{
		FinishedMaxAge: cfg.Storage.Retention.FinishedMaxAge,
		Interval:       cfg.Storage.Retention.CleanupInterval,
	}, logger.With("component", "cleaner"))

	a := &App{
		config:       cfg,
		storage:      storage,
		logs:         logs,
		provider:     provider,
		fileProvider: fileProvider,
		engine:       engine,
		scheduler:    sched,
		cleaner:      cleaner,
		logger:       logger,
	}

	// Metrics are registered before the API so its middleware sees them
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(storage.DB(), m, storage, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	a.apiServer = api.NewServer(api.Deps{
		Jobs:          storage,
		Scheduler:     sched,
		Gateway:       client,
		Provider:      provider,
		Logs:          logs,
		DefaultDelays: cfg.Dispatch.DefaultDelays,
	}, &cfg.API, logger.With("component", "api"))

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting campaignd",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"gateway_file", a.config.Gateway.ConfigFile,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.fileProvider != nil {
		go func() {
			if err := a.fileProvider.Watch(ctx); err != nil {
				a.logger.Warn("gateway config watch stopped", "error", err)
			}
		}()
	}

	a.cleaner.Start(ctx)

	// Jobs outlive the signal context so shutdown can tell them apart from cancellation
	if err := a.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		shutdownErr := a.Shutdown(context.Background())
		return multierror.Append(fmt.Errorf("failed to start scheduler: %w", err), shutdownErr).ErrorOrNil()
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil {
		return multierror.Append(runErr, err).ErrorOrNil()
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var result *multierror.Error

	// Stop accepting new jobs first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("api server shutdown: %w", err))
	}

	// Running jobs persist their progress and stay running for the next start
	a.scheduler.Stop()
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	// Stop collector (persists counters)
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics collector stop: %w", err))
		}
	}

	// Close storage
	if err := a.storage.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("storage close: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		a.logger.Error("shutdown finished with errors", "error", err)
		return err
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
