// Package app wires the dispatcher's components together and manages their
// lifecycle. Every service is explicitly constructed and injected; the app
// owns the external-store client handles and closes them on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"costgate/config"
	"costgate/internal/batch"
	"costgate/internal/breaker"
	"costgate/internal/budget"
	"costgate/internal/cache"
	"costgate/internal/dispatch"
	"costgate/internal/httpclient"
	"costgate/internal/kvstore"
	"costgate/internal/provider"
	"costgate/internal/provider/anthropic"
	"costgate/internal/provider/openai"
	"costgate/internal/queue"
	"costgate/internal/server"
	"costgate/internal/telemetry"
)

// App holds the wired components.
type App struct {
	config     *config.Config
	store      kvstore.Store
	pgPool     *pgxpool.Pool
	recorder   telemetry.Recorder
	dispatcher *dispatch.Dispatcher
	batcher    *batch.Deduplicator
	jobs       *queue.Service
	server     *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New constructs the application. The caller must call Shutdown to release
// resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{config: cfg}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	app.store = store

	recorder, pool, err := newRecorder(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	app.recorder = recorder
	app.pgPool = pool

	adapter, err := newAdapter(cfg)
	if err != nil {
		_ = app.closeEarly()
		return nil, err
	}

	governor := budget.New(store, budget.Config{
		GlobalDailyMax: cfg.Budget.GlobalDailyMax,
		UserDailyMax:   cfg.Budget.UserDailyMax,
	})
	respCache := cache.New(store, cfg.Cache.LocalCapacity)

	app.dispatcher = dispatch.New(governor, respCache, adapter, recorder, dispatch.Config{
		MaxTokensPerRequest: cfg.Providers.MaxTokensPerRequest,
		CacheTTL:            cfg.Cache.TTL,
	})

	app.batcher = batch.New(app.dispatcher, store, batch.Config{
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		FlushInterval: cfg.Batch.FlushInterval,
		ResultTTL:     cfg.Batch.ResultTTL,
	})

	jobQueue := newJobQueue(store)
	app.jobs, err = queue.NewService(app.dispatcher, jobQueue, store, adapter.Breaker(), queue.Config{
		Limits:            cfg.Queue.Limits,
		PollInterval:      cfg.Queue.PollInterval,
		DefaultJobTimeout: cfg.Queue.DefaultJobTimeout,
	})
	if err != nil {
		_ = app.closeEarly()
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}

	app.server = server.New(server.Services{
		Dispatcher: app.dispatcher,
		Queue:      app.jobs,
		Batch:      app.batcher,
		Prober:     adapter,
	}, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Server.MetricsEnabled,
		MetricsEndpoint: cfg.Server.MetricsEndpoint,
	})

	app.logStartupInfo()
	return app, nil
}

// Start launches the worker pool and serves HTTP on the given address.
// Blocking; returns when the server stops.
func (a *App) Start(addr string) error {
	a.jobs.Start()

	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears components down in dependency order: HTTP server first,
// then the worker pool, the batcher (flushing its pending batch), the
// telemetry recorder, and finally the store handles. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down...")

	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	a.jobs.Stop()

	if err := a.batcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("batcher close: %w", err))
	}
	if err := a.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry close: %w", err))
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("shutdown complete")
	return nil
}

// closeEarly releases the handles acquired before a construction failure.
func (a *App) closeEarly() error {
	var errs []error
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func newStore(cfg *config.Config) (kvstore.Store, error) {
	if cfg.Redis.URL == "" {
		slog.Warn("REDIS_URL not set - using in-process store; jobs and budgets will not survive a restart")
		return kvstore.NewMemoryStore(), nil
	}

	store, err := kvstore.NewRedisStore(kvstore.RedisConfig{URL: cfg.Redis.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return store, nil
}

func newJobQueue(store kvstore.Store) queue.JobQueue {
	if rs, ok := store.(*kvstore.RedisStore); ok {
		return queue.NewRedisQueue(rs.Client(), kvstore.DefaultKeyPrefix)
	}
	return queue.NewMemoryQueue()
}

func newRecorder(ctx context.Context, cfg *config.Config) (telemetry.Recorder, *pgxpool.Pool, error) {
	if !cfg.Telemetry.Enabled {
		return telemetry.NoopRecorder{}, nil, nil
	}

	loggerCfg := telemetry.LoggerConfig{
		BufferSize:    cfg.Telemetry.BufferSize,
		FlushInterval: cfg.Telemetry.FlushInterval,
	}

	if cfg.Telemetry.PostgresURL == "" {
		return telemetry.NewLogger(telemetry.NewSlogStore(), loggerCfg), nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Telemetry.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	store, err := telemetry.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize telemetry store: %w", err)
	}
	return telemetry.NewLogger(store, loggerCfg), pool, nil
}

func newAdapter(cfg *config.Config) (*provider.Adapter, error) {
	client := httpclient.NewDefaultHTTPClient()

	var providers []provider.Provider
	if cfg.Providers.OpenAIAPIKey != "" {
		providers = append(providers, openai.NewWithHTTPClient(cfg.Providers.OpenAIAPIKey, client, cfg.Providers.OpenAIBaseURL))
	}
	if cfg.Providers.AnthropicAPIKey != "" {
		providers = append(providers, anthropic.NewWithHTTPClient(cfg.Providers.AnthropicAPIKey, client, cfg.Providers.AnthropicBaseURL))
	}

	switch len(providers) {
	case 0:
		return nil, fmt.Errorf("no provider API keys configured; set OPENAI_API_KEY and/or ANTHROPIC_API_KEY")
	case 1:
		return provider.NewAdapter(providers[0], nil, breaker.New(cfg.Queue.Limits.CircuitBreakerThreshold)), nil
	}

	primary, fallback := providers[0], providers[1]
	if cfg.Providers.Primary == providers[1].Name() {
		primary, fallback = providers[1], providers[0]
	}
	return provider.NewAdapter(primary, fallback, breaker.New(cfg.Queue.Limits.CircuitBreakerThreshold)), nil
}

func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("MASTER_KEY not set - server accepts unauthenticated requests")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Server.MetricsEnabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	}

	slog.Info("budget ceilings configured",
		"global_daily_max", cfg.Budget.GlobalDailyMax,
		"user_daily_max", cfg.Budget.UserDailyMax,
	)
	slog.Info("queue limits configured",
		"max_concurrent_jobs", cfg.Queue.Limits.MaxConcurrentJobs,
		"max_jobs_per_minute", cfg.Queue.Limits.MaxJobsPerMinute,
		"max_cost_per_minute", cfg.Queue.Limits.MaxCostPerMinute,
		"max_cost_per_hour", cfg.Queue.Limits.MaxCostPerHour,
	)
}
