package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/job"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/job/repository"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/jobfs"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/pipeline"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/profile"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/ratelimit"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/render"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/vision"
	"github.com/FACorreiaa/bank-statement-analyzer/migrations"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/config"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/cron"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/kv"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/metrics"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/taskq"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	Logger *slog.Logger

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	FS       *jobfs.Store
	Renderer *render.Renderer
	KV       kv.Store
	Limiter  *ratelimit.Limiter
	Vision   *vision.Client
	Pipeline *pipeline.Pipeline
	Executor *taskq.Local
	Service  *job.Service

	Scheduler *cron.Scheduler

	pool  *pgxpool.Pool
	redis *redis.Client
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initObservability()

	if err := deps.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if err := deps.initKV(); err != nil {
		return nil, fmt.Errorf("failed to init kv store: %w", err)
	}
	if err := deps.initExtraction(); err != nil {
		return nil, fmt.Errorf("failed to init extraction: %w", err)
	}

	catalog, err := deps.initCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to init job catalog: %w", err)
	}
	deps.initService(catalog)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) initObservability() {
	d.Registry = prometheus.NewRegistry()
	if d.Config.Observability.MetricsEnabled {
		d.Metrics = metrics.New(d.Registry)
	}
}

func (d *Dependencies) initStorage() error {
	fs, err := jobfs.New(d.Config.Storage.DataDir)
	if err != nil {
		return err
	}
	d.FS = fs
	d.Logger.Info("job storage ready", slog.String("data_dir", fs.Root()))
	return nil
}

// initKV picks the shared Redis store when configured, else the in-process
// fallback. The rate-limit window is only cross-node with Redis.
func (d *Dependencies) initKV() error {
	if !d.Config.Redis.Enabled {
		d.KV = kv.NewMemoryStore()
		d.Logger.Info("using in-memory kv store")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     d.Config.Redis.Addr,
		Password: d.Config.Redis.Password,
		DB:       d.Config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	d.redis = client
	d.KV = kv.NewRedisStore(client)
	d.Logger.Info("using redis kv store", slog.String("addr", d.Config.Redis.Addr))
	return nil
}

func (d *Dependencies) initExtraction() error {
	d.Renderer = render.New(render.ExecRunner{}, render.Options{
		DPI:                d.Config.Render.DPI,
		FallbackPreviewDPI: d.Config.Render.FallbackPreviewDPI,
		MaxPixels:          d.Config.Render.MaxPixels,
		MaxPages:           d.Config.Render.MaxPages,
		PdftoppmBin:        d.Config.Render.PdftoppmBin,
		PdftotextBin:       d.Config.Render.PdftotextBin,
		PdfinfoBin:         d.Config.Render.PdfinfoBin,
		Logger:             d.Logger,
	})

	d.Limiter = ratelimit.New(d.KV, ratelimit.Options{
		Key:         d.Config.RateLimit.Key,
		Limit:       d.Config.RateLimit.PerWindow,
		Window:      time.Duration(d.Config.RateLimit.WindowSeconds) * time.Second,
		WaitTimeout: time.Duration(d.Config.RateLimit.WaitTimeoutSeconds) * time.Second,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	})

	client, err := vision.NewClient(vision.Options{
		APIKey:    d.Config.Vision.APIKey,
		Model:     d.Config.Vision.Model,
		BaseURL:   d.Config.Vision.BaseURL,
		Timeout:   time.Duration(d.Config.Vision.TimeoutSeconds) * time.Second,
		MaxTokens: d.Config.Vision.MaxTokens,
		Cache:     d.KV,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
	})
	if err != nil {
		return err
	}
	d.Vision = client

	d.Pipeline = pipeline.New(d.FS, d.Renderer, d.Vision, d.Limiter, profile.NewMatcher(nil), pipeline.Options{
		UseStructuredRows:  d.Config.Vision.UseStructuredRows,
		FallbackPreviewDPI: d.Config.Render.FallbackPreviewDPI,
		Metrics:            d.Metrics,
		Logger:             d.Logger,
	})

	d.Logger.Info("extraction pipeline initialized",
		slog.String("model", d.Config.Vision.Model),
		slog.Bool("structured_rows", d.Config.Vision.UseStructuredRows))
	return nil
}

// initCatalog connects the optional Postgres job catalog and applies its
// migrations. Returns nil when the catalog is disabled.
func (d *Dependencies) initCatalog() (job.Catalog, error) {
	if !d.Config.Database.Enabled {
		return nil, nil
	}
	dsn := d.Config.Database.DSN()

	migrationDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	defer migrationDB.Close()
	if err := migrations.Up(migrationDB); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	d.pool = pool

	d.Logger.Info("job catalog connected and migrations applied")
	return repository.NewPostgresCatalog(pool), nil
}

func (d *Dependencies) initService(catalog job.Catalog) {
	d.Executor = taskq.NewLocal(taskq.LocalOptions{
		Workers:           d.Config.Executor.Workers,
		DispatchPerSecond: d.Config.Executor.DispatchPerSecond,
		DispatchBurst:     d.Config.Executor.DispatchBurst,
		Logger:            d.Logger,
	})

	d.Service = job.NewService(d.FS, d.Pipeline, d.Renderer, job.Options{
		Executor: d.Executor,
		Catalog:  catalog,
		Policy: job.RetryPolicy{
			MaxAttempts: d.Config.Retry.MaxAttempts,
			Base:        time.Duration(d.Config.Retry.BackoffSeconds) * time.Second,
			Cap:         time.Duration(d.Config.Retry.BackoffMax) * time.Second,
			Jitter:      time.Duration(d.Config.Retry.JitterSeconds) * time.Second,
		},
		DigitalThreshold: d.Config.Render.DigitalTextChars,
		Metrics:          d.Metrics,
		Logger:           d.Logger,
	})

	d.Scheduler = cron.NewScheduler(d.Service, d.Config.Scheduler.ReconcileCron, d.Logger)
	d.Logger.Info("job service initialized")
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Executor != nil {
		d.Executor.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	d.Logger.Info("cleanup completed")
}
