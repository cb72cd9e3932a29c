// Package server assembles the crawler from configuration and runs it either
// as an HTTP service or as a one-shot crawl.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/api"
	"github.com/JakeFAU/tubecrawler/internal/config"
	"github.com/JakeFAU/tubecrawler/internal/metrics"
	"github.com/JakeFAU/tubecrawler/internal/pipeline"
	memorypublisher "github.com/JakeFAU/tubecrawler/internal/publisher/memory"
	"github.com/JakeFAU/tubecrawler/internal/reclaim"
	memorystorage "github.com/JakeFAU/tubecrawler/internal/storage/memory"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	pipeline  *pipeline.Pipeline
	sweeper   *reclaim.Sweeper
	apiServer *api.Server
	records   *memorystorage.BlobStore
	events    *memorypublisher.Publisher

	redisClient     *goredis.Client
	pgPool          *pgxpool.Pool
	sqliteDB        *sql.DB
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
}

// Seeds are the ids a one-shot crawl starts from.
type Seeds struct {
	Videos   []string
	Channels []string
	Searches []string
}

// Empty reports whether there is nothing to crawl.
func (s Seeds) Empty() bool {
	return len(s.Videos) == 0 && len(s.Channels) == 0 && len(s.Searches) == 0
}

// NewApp creates an App with no dependencies built yet.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Strings("sinks", cfg.Sink.Backends),
	)
	return &App{cfg: cfg, logger: logger}
}

// Handler returns the API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Pipeline returns the crawl pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Records returns the in-memory record store, or nil when the memory sink is
// not configured.
func (a *App) Records() *memorystorage.BlobStore {
	return a.records
}

// Events returns the in-memory record events, or nil when the memory sink is
// not configured.
func (a *App) Events() *memorypublisher.Publisher {
	return a.events
}

// Run serves the API and runs the sweeper until ctx ends or a signal
// arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.sweeper != nil {
		a.sweeper.Start()
		a.logger.Info("reclaim sweeper started")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Crawl enqueues the seeds, waits for the pipeline to go idle and returns
// the final id lists per queue. The App is closed afterwards.
func (a *App) Crawl(ctx context.Context, seeds Seeds) (map[string]taskstore.IDs, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.sweeper != nil {
		a.sweeper.Start()
	}

	result, err := a.crawl(ctx, seeds)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return result, errors.Join(err, a.Close(shutdownCtx))
}

func (a *App) crawl(ctx context.Context, seeds Seeds) (map[string]taskstore.IDs, error) {
	enqueue := []struct {
		ids []string
		fn  func(context.Context, string) (bool, error)
	}{
		{seeds.Searches, a.pipeline.EnqueueSearch},
		{seeds.Videos, a.pipeline.EnqueueVideo},
		{seeds.Channels, a.pipeline.EnqueueChannel},
	}
	for _, e := range enqueue {
		for _, id := range e.ids {
			if _, err := e.fn(ctx, id); err != nil {
				return nil, fmt.Errorf("enqueue %q: %w", id, err)
			}
		}
	}

	a.logger.Info("crawl started",
		zap.Int("videos", len(seeds.Videos)),
		zap.Int("channels", len(seeds.Channels)),
		zap.Int("searches", len(seeds.Searches)),
	)
	if err := a.pipeline.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for pipeline: %w", err)
	}

	result := make(map[string]taskstore.IDs, len(a.pipeline.Names()))
	for _, name := range a.pipeline.Names() {
		ids, err := a.pipeline.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		result[name] = ids
		a.logger.Info("queue finished",
			zap.String("queue", name),
			zap.Int("succeeded", len(ids.Succeeded)),
			zap.Int("failed", len(ids.Failed)),
		)
	}
	return result, nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close stops the sweeper and the pipeline, then releases owned clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.sweeper != nil {
		if err := a.sweeper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
		}
	}
	if a.pipeline != nil {
		if err := a.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline: %w", err))
		}
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redisClient = nil
	}
	if a.pgPool != nil {
		a.pgPool.Close()
		a.pgPool = nil
	}
	if a.sqliteDB != nil {
		if err := a.sqliteDB.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
		a.sqliteDB = nil
	}
}
