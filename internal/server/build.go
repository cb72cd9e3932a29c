package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/adapter"
	"github.com/JakeFAU/tubecrawler/internal/api"
	"github.com/JakeFAU/tubecrawler/internal/clock/system"
	"github.com/JakeFAU/tubecrawler/internal/config"
	"github.com/JakeFAU/tubecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/tubecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/tubecrawler/internal/logging"
	"github.com/JakeFAU/tubecrawler/internal/metrics"
	"github.com/JakeFAU/tubecrawler/internal/pipeline"
	"github.com/JakeFAU/tubecrawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/tubecrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/tubecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/tubecrawler/internal/reclaim"
	"github.com/JakeFAU/tubecrawler/internal/sink"
	gcsstorage "github.com/JakeFAU/tubecrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tubecrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/tubecrawler/internal/storage/memory"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
	pgtaskstore "github.com/JakeFAU/tubecrawler/internal/taskstore/postgres"
	redistaskstore "github.com/JakeFAU/tubecrawler/internal/taskstore/redis"
	sqlitetaskstore "github.com/JakeFAU/tubecrawler/internal/taskstore/sqlite"
)

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *zap.Logger
	transport http.RoundTripper
	registry  *prometheus.Registry
}

// WithLogger skips logger construction and uses l instead.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithTransport routes every fetch through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *buildOptions) { o.transport = rt }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *buildOptions) { o.registry = reg }
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	app := NewApp(cfg, logger)
	built := false
	defer func() {
		if !built {
			if app.pipeline != nil {
				_ = app.pipeline.Close(ctx)
			}
			app.closeInfrastructure()
		}
	}()

	app.metrics, err = metrics.New(o.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	stores, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}

	fetcher, err := setupFetcher(app, o.transport)
	if err != nil {
		return nil, err
	}

	recordSink, err := setupSinks(ctx, app)
	if err != nil {
		return nil, err
	}

	app.pipeline, err = pipeline.New(ctx, pipeline.Config{
		Adapters: pipeline.SiteAdapters(
			fetcher,
			&app.cfg.Site,
			adapter.VideoOptions{
				LanguageLimit:      cfg.Crawl.TranscriptLanguageLimit,
				PreferredLanguages: cfg.Crawl.PreferredLanguages,
			},
			adapter.WithLogger(logger),
			adapter.WithClock(system.New()),
		),
		Sink:                recordSink,
		Video:               queueOptions(cfg.Queues.Video, stores[pipeline.VideoQueue]),
		Channel:             queueOptions(cfg.Queues.Channel, stores[pipeline.ChannelQueue]),
		Search:              queueOptions(cfg.Queues.Search, stores[pipeline.SearchQueue]),
		MaxVideosPerChannel: cfg.Crawl.MaxVideosPerChannel,
		MaxSearchResults:    cfg.Crawl.MaxSearchResults,
		Logger:              logger,
		Observer:            app.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	switch {
	case !cfg.Reclaim.Enabled:
	case cfg.Store.Backend == config.StoreMemory:
		app.logger.Info("reclaim sweeper skipped for the memory task store")
	default:
		queues := make([]reclaim.Queue, 0, len(app.pipeline.Queues()))
		for _, q := range app.pipeline.Queues() {
			queues = append(queues, q)
		}
		app.sweeper, err = reclaim.New(reclaim.Config{
			Schedule: cfg.Reclaim.Schedule,
			MaxAge:   cfg.Reclaim.MaxAge,
			Logger:   logger,
		}, queues...)
		if err != nil {
			return nil, fmt.Errorf("sweeper init failed: %w", err)
		}
		app.logger.Info("reclaim sweeper configured",
			zap.String("schedule", cfg.Reclaim.Schedule),
			zap.Duration("max_age", cfg.Reclaim.MaxAge),
		)
	}

	app.apiServer = api.NewServer(app.pipeline, app.metrics, cfg, logger)
	built = true
	return app, nil
}

func queueOptions(qc config.QueueConfig, store taskstore.Store[string]) pipeline.QueueOptions {
	success, failure := qc.SuccessExpiry, qc.FailureExpiry
	return pipeline.QueueOptions{
		Concurrency:            qc.Concurrency,
		SuccessExpiry:          &success,
		FailureExpiry:          &failure,
		WarnOnDuplicateEnqueue: qc.WarnOnDuplicateEnqueue,
		Store:                  store,
	}
}

// setupStores returns one store per queue name. The memory backend returns
// no stores and each queue builds its own.
func setupStores(ctx context.Context, app *App) (map[string]taskstore.Store[string], error) {
	sc := app.cfg.Store
	stores := make(map[string]taskstore.Store[string], 3)
	queues := []string{pipeline.SearchQueue, pipeline.VideoQueue, pipeline.ChannelQueue}

	switch sc.Backend {
	case config.StoreRedis:
		app.redisClient = goredis.NewClient(&goredis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		if err := app.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", sc.Redis.Addr, err)
		}
		for _, q := range queues {
			s, err := redistaskstore.New[string](app.redisClient, sc.Redis.Namespace+":"+q)
			if err != nil {
				return nil, fmt.Errorf("redis store %s: %w", q, err)
			}
			stores[q] = s
		}
		app.logger.Info("using redis task store",
			zap.String("addr", sc.Redis.Addr),
			zap.String("namespace", sc.Redis.Namespace),
		)
	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(sc.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if sc.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = sc.Postgres.MaxConns
		}
		if sc.Postgres.MinConns > 0 {
			poolCfg.MinConns = sc.Postgres.MinConns
		}
		if sc.Postgres.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = sc.Postgres.MaxConnLifetime
		}
		app.pgPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		for _, q := range queues {
			s, err := pgtaskstore.NewWithPool[string](app.pgPool, sc.Postgres.Table, q)
			if err != nil {
				return nil, fmt.Errorf("postgres store %s: %w", q, err)
			}
			if err := s.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			stores[q] = s
		}
		app.logger.Info("using postgres task store", zap.String("table", sc.Postgres.Table))
	case config.StoreSQLite:
		db, err := sql.Open("sqlite", sc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", sc.SQLite.Path, err)
		}
		db.SetMaxOpenConns(1)
		app.sqliteDB = db
		for _, q := range queues {
			s, err := sqlitetaskstore.NewWithDB[string](db, q)
			if err != nil {
				return nil, fmt.Errorf("sqlite store %s: %w", q, err)
			}
			if err := s.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			stores[q] = s
		}
		app.logger.Info("using sqlite task store", zap.String("path", sc.SQLite.Path))
	default:
		app.logger.Info("using in-memory task store")
	}
	return stores, nil
}

func setupFetcher(app *App, transport http.RoundTripper) (*collyfetcher.Fetcher, error) {
	hc := app.cfg.HTTP
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: hc.RequestsPerSecond,
		Burst:             hc.Burst,
		HostOverrides:     hc.HostRates(),
	}, app.metrics)
	opts := []collyfetcher.Option{
		collyfetcher.WithLimiter(limiter),
		collyfetcher.WithRetryPolicy(crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
			MaxAttempts: hc.MaxRetries + 1,
			BaseDelay:   hc.BackoffInitial,
			MaxDelay:    hc.BackoffMax,
		})),
		collyfetcher.WithObserver(app.metrics),
		collyfetcher.WithLogger(app.logger.Named("fetcher")),
	}
	if transport != nil {
		opts = append(opts, collyfetcher.WithTransport(transport))
	}
	f, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:   hc.UserAgent,
		Timeout:     hc.Timeout,
		ProxyURLs:   hc.ProxyURLs,
		MaxBodySize: hc.MaxBodySizeBytes,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	app.logger.Info("using colly fetcher",
		zap.Float64("requests_per_second", hc.RequestsPerSecond),
		zap.Int("proxies", len(hc.ProxyURLs)),
	)
	return f, nil
}

func setupSinks(ctx context.Context, app *App) (sink.Sink, error) {
	sc := app.cfg.Sink
	var sinks sink.Multi
	for _, backend := range sc.Backends {
		switch backend {
		case config.SinkMemory:
			app.records = memorystorage.NewBlobStore()
			app.events = memorypublisher.New()
			sinks = append(sinks,
				sink.NewBlobSink(app.records, sc.Prefix, app.logger),
				sink.NewPublishSink(app.events, sc.Prefix, app.logger),
			)
			app.logger.Info("using in-memory record sink")
		case config.SinkLocal:
			store, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir})
			if err != nil {
				return nil, fmt.Errorf("local blob store init failed: %w", err)
			}
			sinks = append(sinks, sink.NewBlobSink(store, sc.Prefix, app.logger))
			app.logger.Info("using local record sink", zap.String("path", sc.Local.BaseDir))
		case config.SinkGCS:
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("gcs client init failed: %w", err)
			}
			app.storage = client
			store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.GCS.Bucket})
			if err != nil {
				return nil, fmt.Errorf("gcs blob store init failed: %w", err)
			}
			sinks = append(sinks, sink.NewBlobSink(store, sc.Prefix, app.logger))
			app.logger.Info("using GCS record sink", zap.String("bucket", sc.GCS.Bucket))
		case config.SinkPubSub:
			client, err := pubsub.NewClient(ctx, sc.PubSub.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("pubsub client init failed: %w", err)
			}
			app.pubsubClient = client
			app.pubsubPublisher = client.Publisher(sc.PubSub.TopicName)
			sinks = append(sinks, sink.NewPublishSink(
				gcppublisher.New(app.pubsubPublisher),
				sc.PubSub.TopicName,
				app.logger,
			))
			app.logger.Info("Pub/Sub record sink initialized",
				zap.String("project", sc.PubSub.ProjectID),
				zap.String("topic", sc.PubSub.TopicName),
			)
		default:
			return nil, fmt.Errorf("unknown sink backend %q", backend)
		}
	}
	if len(sinks) == 0 {
		app.logger.Warn("no record sinks configured, crawled records are discarded")
	}
	return sinks, nil
}
