package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/config"
	"github.com/JakeFAU/tubecrawler/internal/pipeline"
)

// rewriteTransport sends every request to target regardless of its host.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

type notFoundSite struct {
	mu    sync.Mutex
	paths []string
}

func (s *notFoundSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()
	http.NotFound(w, r)
}

func newNotFoundSite(t *testing.T) (*notFoundSite, Option) {
	t.Helper()
	site := &notFoundSite{}
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return site, WithTransport(rewriteTransport{target: target})
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sink.Backends = []string{config.SinkMemory}
	cfg.HTTP.MaxRetries = 0
	cfg.HTTP.RequestsPerSecond = 0
	return cfg
}

func TestBuild_CrawlRecordsFailures(t *testing.T) {
	t.Parallel()

	site, transport := newNotFoundSite(t)
	app, err := Build(context.Background(), baseConfig(t), WithLogger(zap.NewNop()), transport)
	require.NoError(t, err)
	require.NotNil(t, app.Records())

	result, err := app.Crawl(context.Background(), Seeds{Videos: []string{"abc"}})
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, result[pipeline.VideoQueue].Failed)
	require.Empty(t, result[pipeline.ChannelQueue].Pending)
	require.Empty(t, app.Records().Paths())
	require.Empty(t, app.Events().Messages())

	site.mu.Lock()
	defer site.mu.Unlock()
	require.Equal(t, []string{"/watch"}, site.paths)
}

func TestBuild_EmptyCrawl(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), baseConfig(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.True(t, Seeds{}.Empty())

	result, err := app.Crawl(context.Background(), Seeds{})
	require.NoError(t, err)
	require.Len(t, result, 3)
}

func TestBuild_SQLiteStoreAndLocalSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := baseConfig(t)
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.SQLite.Path = filepath.Join(dir, "tasks.db")
	cfg.Sink.Backends = []string{config.SinkLocal}
	cfg.Sink.Local.BaseDir = filepath.Join(dir, "records")

	app, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.Nil(t, app.Records())
	require.Nil(t, app.Events())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queues":{
		"search":{"pending":0,"in_progress":0,"succeeded":0,"failed":0},
		"video":{"pending":0,"in_progress":0,"succeeded":0,"failed":0},
		"channel":{"pending":0,"in_progress":0,"succeeded":0,"failed":0}}}`, rec.Body.String())

	require.NoError(t, app.Close(context.Background()))
	require.FileExists(t, cfg.Store.SQLite.Path)
	require.DirExists(t, cfg.Sink.Local.BaseDir)
}

func TestBuild_RedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	_, transport := newNotFoundSite(t)
	cfg := baseConfig(t)
	cfg.Store.Backend = config.StoreRedis
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Store.Redis.Namespace = "crawl"

	app, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), transport)
	require.NoError(t, err)

	result, err := app.Crawl(context.Background(), Seeds{Channels: []string{"UC1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"channel/UC1"}, result[pipeline.ChannelQueue].Failed)
	require.True(t, mr.Exists("crawl:channel:failed"))
}

func TestBuild_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"redis unreachable", func(c *config.Config) {
			c.Store.Backend = config.StoreRedis
			c.Store.Redis.Addr = "127.0.0.1:1"
		}, "redis ping"},
		{"bad postgres dsn", func(c *config.Config) {
			c.Store.Backend = config.StorePostgres
			c.Store.Postgres.DSN = "postgres://%zz"
		}, "parse postgres dsn"},
		{"unknown sink", func(c *config.Config) { c.Sink.Backends = []string{"s3"} }, "unknown sink backend"},
		{"local sink without dir", func(c *config.Config) {
			c.Sink.Backends = []string{config.SinkLocal}
			c.Sink.Local.BaseDir = ""
		}, "local blob store"},
		{"bad reclaim schedule", func(c *config.Config) {
			c.Store.Backend = config.StoreSQLite
			c.Store.SQLite.Path = ":memory:"
			c.Reclaim.Schedule = "whenever"
		}, "sweeper init failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t)
			tt.mutate(&cfg)
			_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBuild_NoSweeperForMemoryStore(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	require.Equal(t, config.StoreMemory, cfg.Store.Backend)
	require.True(t, cfg.Reclaim.Enabled)

	app, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.Nil(t, app.sweeper)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuild_SweeperForPersistentStore(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "tasks.db")

	app, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NotNil(t, app.sweeper)
	require.NoError(t, app.Close(context.Background()))

	cfg.Reclaim.Enabled = false
	app, err = Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.Nil(t, app.sweeper)
	require.NoError(t, app.Close(context.Background()))
}
