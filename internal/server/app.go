// Package server builds the application's dependencies from configuration
// and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/api"
	"github.com/JakeFAU/taxdue-crawler/internal/checkpoint"
	"github.com/JakeFAU/taxdue-crawler/internal/clock/system"
	"github.com/JakeFAU/taxdue-crawler/internal/config"
	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/taxdue-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/taxdue-crawler/internal/hash/sha256"
	"github.com/JakeFAU/taxdue-crawler/internal/id/uuid"
	"github.com/JakeFAU/taxdue-crawler/internal/parser"
	"github.com/JakeFAU/taxdue-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/taxdue-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/taxdue-crawler/internal/runner"
	gcsstorage "github.com/JakeFAU/taxdue-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/taxdue-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/taxdue-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/taxdue-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/taxdue-crawler/internal/storage/redis"
)

// ErrDrainTimeout is returned when in-flight work does not finish within the
// drain timeout after cancellation.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	runID     string
	store     crawler.CheckpointStore
	runner    *runner.Runner
	apiServer *api.Server

	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	pgStore      *pgstore.CheckpointStore
	redisStore   *redisstore.CheckpointStore
}

// Build creates the application's dependencies. On error anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := cfg.ResolveRunID(uuid.New().NewID)
	if err != nil {
		return nil, fmt.Errorf("resolve run id: %w", err)
	}
	app := &App{cfg: cfg, logger: logger, runID: runID}
	app.logger.Info("building application dependencies",
		zap.String("run_id", runID),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	if app.store, err = setupCheckpoint(ctx, app); err != nil {
		app.Close()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}
	if app.runner, err = setupRunner(app, publisher); err != nil {
		app.Close()
		return nil, err
	}
	app.apiServer = api.NewServer(app.runner, app.store, logger.Named("api"))
	return app, nil
}

// CheckpointOnly builds just the checkpoint store, for commands that read
// results without fetching.
func CheckpointOnly(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := cfg.ResolveRunID(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve run id: %w", err)
	}
	app := &App{cfg: cfg, logger: logger, runID: runID}
	if app.store, err = setupCheckpoint(ctx, app); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// RunID returns the resolved run id.
func (a *App) RunID() string {
	return a.runID
}

// Checkpoint loads the persisted checkpoint.
func (a *App) Checkpoint(ctx context.Context) (crawler.Checkpoint, error) {
	cp, err := a.store.Load(ctx)
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// Run fetches identifiers until all are terminal or ctx is cancelled. After
// cancellation it waits up to the drain timeout for in-flight work and the
// final flush; past that it returns ErrDrainTimeout.
func (a *App) Run(ctx context.Context, identifiers []string) (crawler.RunSummary, error) {
	if a.runner == nil {
		return crawler.RunSummary{}, errors.New("runner not configured")
	}

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("server shutdown error", zap.Error(err))
			}
		}()
	}

	type outcome struct {
		summary crawler.RunSummary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := a.runner.Start(ctx, identifiers)
		done <- outcome{summary, err}
	}()

	select {
	case out := <-done:
		return out.summary, out.err
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated; draining in-flight work", zap.Duration("drain_timeout", a.cfg.DrainTimeout()))
	timer := time.NewTimer(a.cfg.DrainTimeout())
	defer timer.Stop()
	select {
	case out := <-done:
		return out.summary, out.err
	case <-timer.C:
		snap := a.runner.Snapshot()
		summary := crawler.RunSummary{RunID: a.runID}
		if snap.Summary != nil {
			summary = *snap.Summary
		}
		summary.Interrupted = true
		a.logger.Error("drain timeout exceeded; buffered results may be lost",
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("remaining", summary.Remaining),
		)
		return summary, ErrDrainTimeout
	}
}

// Close releases clients held by the application.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func setupCheckpoint(ctx context.Context, app *App) (crawler.CheckpointStore, error) {
	cfg := app.cfg
	logger := app.logger.Named("checkpoint")
	switch cfg.Checkpoint.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewCheckpointStore(ctx, pgstore.CheckpointStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			RunID:    app.runID,
			MaxConns: int32(cfg.DB.MaxConns), // #nosec G115 -- small config value.
		})
		if err != nil {
			return nil, fmt.Errorf("postgres checkpoint store init failed: %w", err)
		}
		app.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		app.logger.Info("using postgres checkpoint backend", zap.String("table", cfg.DB.Table))
		return store, nil
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := redisstore.NewCheckpointStore(client, redisstore.Config{RunID: app.runID})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis checkpoint store init failed: %w", err)
		}
		app.redisStore = store
		app.logger.Info("using redis checkpoint backend", zap.String("addr", cfg.Redis.Addr))
		return store, nil
	}

	blobs, err := setupBlobs(ctx, app)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.New(blobs, app.runID,
		checkpoint.WithPrefix(cfg.Checkpoint.Prefix),
		checkpoint.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store init failed: %w", err)
	}
	app.logger.Info("using snapshot checkpoint", zap.String("path", store.Path()))
	return store, nil
}

func setupBlobs(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg
	switch cfg.Checkpoint.Backend {
	case config.BackendGCS:
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS checkpoint backend", zap.String("bucket", cfg.Storage.GCSBucket))
		return blobs, nil
	case config.BackendMemory:
		app.logger.Warn("using in-memory checkpoint backend; progress will not survive a restart")
		return memorystorage.NewBlobStore(), nil
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Checkpoint.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local checkpoint backend", zap.String("dir", cfg.Checkpoint.Dir))
		return blobs, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" {
		app.logger.Info("no Pub/Sub topic configured; result publishing disabled")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(app.pubsubClient, map[string]string{"run_id": app.runID})
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.publisher, nil
}

func setupRunner(app *App, publisher crawler.Publisher) (*runner.Runner, error) {
	cfg := app.cfg
	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity:    cfg.RateCapacity(),
		Window:      cfg.RateWindow(),
		MinInterval: cfg.MinInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter init failed: %w", err)
	}
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		URLTemplate: cfg.Crawler.BaseURL,
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     cfg.FetchTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	policy := crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts:      cfg.Crawler.MaxAttempts,
		ParseMaxAttempts: cfg.Crawler.ParseMaxAttempts,
		BaseDelay:        cfg.BackoffInitial(),
		MaxDelay:         cfg.BackoffMax(),
		JitterFraction:   crawler.DefaultRetryConfig().JitterFraction,
	})
	app.logger.Info("rate limit",
		zap.Int("capacity", cfg.RateCapacity()),
		zap.Duration("window", cfg.RateWindow()),
		zap.Duration("min_interval", cfg.MinInterval()),
	)

	r, err := runner.New(runner.Deps{
		Limiter:   limiter,
		Fetcher:   fetcher,
		Parser:    parser.New(parser.Config{}),
		Policy:    policy,
		Store:     app.store,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    app.logger.Named("runner"),
	}, runner.Options{
		RunID:        app.runID,
		Concurrency:  cfg.Crawler.Concurrency,
		Threshold:    cfg.Checkpoint.Threshold,
		FetchTimeout: cfg.FetchTimeout(),
		FlushTimeout: cfg.FlushTimeout(),
		Topic:        cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}
	return r, nil
}
