package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
queues:
  video:
    concurrency: 5
    success_expiry: 1h
    warn_duplicates: true
store:
  backend: sqlite
  sqlite:
    path: /tmp/crawl.db
reclaim:
  max_age: 2m
http:
  timeout: 45s
  proxy_urls: ["http://proxy-a:8080", "http://proxy-b:8080"]
  host_overrides:
    - host: WWW.youtube.com
      requests_per_second: 0.5
sink:
  backends: [memory, pubsub]
  pubsub:
    project_id: proj
    topic_name: records
site:
  video:
    page_url: "https://mirror.test/watch?v={id}"
crawl:
  max_videos_per_channel: 20
  preferred_languages: [de]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Queues.Video.Concurrency != 5 || cfg.Queues.Video.SuccessExpiry != time.Hour || !cfg.Queues.Video.WarnOnDuplicateEnqueue {
		t.Fatalf("expected video queue overrides to apply: %+v", cfg.Queues.Video)
	}
	if cfg.Queues.Channel.Concurrency != 2 || cfg.Queues.Channel.FailureExpiry != 600*time.Second {
		t.Fatalf("expected channel queue defaults to survive: %+v", cfg.Queues.Channel)
	}
	if cfg.Store.Backend != StoreSQLite || cfg.Store.SQLite.Path != "/tmp/crawl.db" {
		t.Fatalf("expected sqlite store, got %+v", cfg.Store)
	}
	if cfg.Reclaim.MaxAge != 2*time.Minute || cfg.HTTP.Timeout != 45*time.Second {
		t.Fatalf("expected durations to decode, got %v and %v", cfg.Reclaim.MaxAge, cfg.HTTP.Timeout)
	}
	if len(cfg.HTTP.ProxyURLs) != 2 || cfg.HTTP.HostRates()["www.youtube.com"] != 0.5 {
		t.Fatalf("expected proxy and host overrides: %+v", cfg.HTTP)
	}
	if !cfg.UsesSink(SinkPubSub) || !cfg.UsesSink(SinkMemory) || cfg.UsesSink(SinkLocal) {
		t.Fatalf("expected memory and pubsub sinks, got %v", cfg.Sink.Backends)
	}
	if cfg.Site.Video.PageURL != "https://mirror.test/watch?v={id}" {
		t.Fatalf("expected site override, got %q", cfg.Site.Video.PageURL)
	}
	if cfg.Site.Video.PlayerURL == "" || cfg.Site.Page.ConfigMarker != "ytcfg.set(" {
		t.Fatalf("expected site defaults to merge with the override: %+v", cfg.Site.Page)
	}
	if cfg.Crawl.MaxVideosPerChannel != 20 || len(cfg.Crawl.PreferredLanguages) != 1 {
		t.Fatalf("expected crawl overrides: %+v", cfg.Crawl)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Queues.Video.Concurrency != 3 || cfg.Queues.Channel.Concurrency != 2 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queues)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store.Backend)
	}
	if cfg.Crawl.MaxVideosPerChannel != 100 || cfg.Crawl.TranscriptLanguageLimit != 3 {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawl)
	}
	if got := strings.Join(cfg.Crawl.PreferredLanguages, ","); got != "en,zh,es,fr,ar,ja,ko,th,ru,hi" {
		t.Fatalf("unexpected preferred languages %q", got)
	}
	if len(cfg.Site.Search.Items) != 2 || len(cfg.Site.Search.Items[1].Required) != 3 {
		t.Fatalf("expected search matchers from defaults: %+v", cfg.Site.Search.Items)
	}
	if cfg.Site.API.Headers["x-youtube-client-name"] != "1" {
		t.Fatalf("expected lowercased header keys: %v", cfg.Site.API.Headers)
	}
	if len(cfg.Site.Video.Details.Formats) != 2 {
		t.Fatalf("expected format paths: %v", cfg.Site.Video.Details.Formats)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_SERVER_PORT", "7070")
	t.Setenv("CRAWLER_STORE_BACKEND", "redis")
	t.Setenv("CRAWLER_STORE_REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.Redis.Addr != "redis:6380" {
		t.Fatalf("expected env store settings, got %+v", cfg.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"invalid concurrency", func(c *Config) { c.Queues.Channel.Concurrency = 0 }, "queues.channel.concurrency"},
		{"negative expiry", func(c *Config) { c.Queues.Search.FailureExpiry = -time.Second }, "queues.search expiries"},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = StorePostgres }, "store.postgres.dsn"},
		{"reclaim without max age", func(c *Config) { c.Reclaim.MaxAge = 0 }, "reclaim.max_age"},
		{"invalid timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"unknown sink", func(c *Config) { c.Sink.Backends = []string{"s3"} }, "sink backend"},
		{"gcs without bucket", func(c *Config) { c.Sink.Backends = []string{SinkGCS} }, "sink.gcs.bucket"},
		{"pubsub without topic", func(c *Config) { c.Sink.Backends = []string{SinkPubSub} }, "sink.pubsub"},
		{"site missing marker", func(c *Config) { c.Site.Page.ConfigMarker = "" }, "site.page.config_marker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
