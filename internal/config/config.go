// Package config loads and validates crawler configuration via Viper.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/tubecrawler/internal/adapter"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Sink backends.
const (
	SinkMemory = "memory"
	SinkLocal  = "local"
	SinkGCS    = "gcs"
	SinkPubSub = "pubsub"
)

// defaultsYAML holds the site extraction defaults, which are too nested for
// SetDefault calls.
//
//go:embed defaults.yaml
var defaultsYAML []byte

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Queues  QueuesConfig  `mapstructure:"queues"`
	Store   StoreConfig   `mapstructure:"store"`
	Reclaim ReclaimConfig `mapstructure:"reclaim"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Site    adapter.Site  `mapstructure:"site"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name. Empty keeps the mode's default.
	Level string `mapstructure:"level"`
}

// QueuesConfig tunes each pipeline stage.
type QueuesConfig struct {
	Video   QueueConfig `mapstructure:"video"`
	Channel QueueConfig `mapstructure:"channel"`
	Search  QueueConfig `mapstructure:"search"`
}

// QueueConfig tunes one queue.
type QueueConfig struct {
	Concurrency            int           `mapstructure:"concurrency"`
	SuccessExpiry          time.Duration `mapstructure:"success_expiry"`
	FailureExpiry          time.Duration `mapstructure:"failure_expiry"`
	WarnOnDuplicateEnqueue bool          `mapstructure:"warn_duplicates"`
}

// StoreConfig selects where queue bookkeeping lives.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// RedisConfig points at a Redis server.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig names the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ReclaimConfig schedules the stale task sweeper.
type ReclaimConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// HTTPConfig configures fetching, throttling and retries.
type HTTPConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	// HostOverrides is a list because host names contain Viper's key delimiter.
	HostOverrides    []HostRate    `mapstructure:"host_overrides"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	ProxyURLs        []string      `mapstructure:"proxy_urls"`
	MaxBodySizeBytes int           `mapstructure:"max_body_size_bytes"`
}

// HostRate sets a request rate for one host.
type HostRate struct {
	Host              string  `mapstructure:"host"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// HostRates returns the overrides keyed by host.
func (c HTTPConfig) HostRates() map[string]float64 {
	out := make(map[string]float64, len(c.HostOverrides))
	for _, o := range c.HostOverrides {
		out[strings.ToLower(o.Host)] = o.RequestsPerSecond
	}
	return out
}

// SinkConfig lists where finished records go.
type SinkConfig struct {
	Backends []string     `mapstructure:"backends"`
	Prefix   string       `mapstructure:"prefix"`
	Local    LocalConfig  `mapstructure:"local"`
	GCS      GCSConfig    `mapstructure:"gcs"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// LocalConfig writes records below a directory.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig writes records to a bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CrawlConfig bounds each crawl.
type CrawlConfig struct {
	MaxVideosPerChannel int `mapstructure:"max_videos_per_channel"`
	MaxSearchResults    int `mapstructure:"max_search_results"`
	// TranscriptLanguageLimit is negative for all languages, zero for none.
	TranscriptLanguageLimit int      `mapstructure:"transcript_language_limit"`
	PreferredLanguages      []string `mapstructure:"preferred_languages"`
}

// Load builds a Config from the embedded site defaults, an optional file
// and CRAWLER_ environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultsYAML)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}
	v.SetConfigType("")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	for _, q := range []string{"video", "channel", "search"} {
		v.SetDefault("queues."+q+".success_expiry", 600*time.Second)
		v.SetDefault("queues."+q+".failure_expiry", 600*time.Second)
		v.SetDefault("queues."+q+".warn_duplicates", false)
	}
	v.SetDefault("queues.video.concurrency", 3)
	v.SetDefault("queues.channel.concurrency", 2)
	v.SetDefault("queues.search.concurrency", 1)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.namespace", "tubecrawler")
	v.SetDefault("store.postgres.table", "task_states")
	v.SetDefault("store.sqlite.path", "tubecrawler.db")
	v.SetDefault("reclaim.enabled", true)
	v.SetDefault("reclaim.schedule", "@every 1m")
	v.SetDefault("reclaim.max_age", 15*time.Minute)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 4)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial", 250*time.Millisecond)
	v.SetDefault("http.backoff_max", 5*time.Second)
	v.SetDefault("http.proxy_urls", []string{})
	v.SetDefault("http.max_body_size_bytes", 32<<20)
	v.SetDefault("sink.backends", []string{SinkLocal})
	v.SetDefault("sink.prefix", "records")
	v.SetDefault("sink.local.base_dir", "data")
	v.SetDefault("crawl.max_videos_per_channel", 100)
	v.SetDefault("crawl.max_search_results", 50)
	v.SetDefault("crawl.transcript_language_limit", 3)
	v.SetDefault("crawl.preferred_languages", []string{"en", "zh", "es", "fr", "ar", "ja", "ko", "th", "ru", "hi"})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	queues := []struct {
		name string
		cfg  QueueConfig
	}{{"video", c.Queues.Video}, {"channel", c.Queues.Channel}, {"search", c.Queues.Search}}
	for _, q := range queues {
		if q.cfg.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("queues.%s.concurrency must be > 0", q.name))
		}
		if q.cfg.SuccessExpiry < 0 || q.cfg.FailureExpiry < 0 {
			errs = append(errs, fmt.Errorf("queues.%s expiries must be >= 0", q.name))
		}
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
		}
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, redis, postgres, sqlite", c.Store.Backend))
	}
	if c.Reclaim.Enabled && c.Reclaim.MaxAge <= 0 {
		errs = append(errs, errors.New("reclaim.max_age must be > 0 when reclaim is enabled"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	for _, b := range c.Sink.Backends {
		switch b {
		case SinkMemory:
		case SinkLocal:
			if c.Sink.Local.BaseDir == "" {
				errs = append(errs, errors.New("sink.local.base_dir is required for the local sink"))
			}
		case SinkGCS:
			if c.Sink.GCS.Bucket == "" {
				errs = append(errs, errors.New("sink.gcs.bucket is required for the gcs sink"))
			}
		case SinkPubSub:
			if c.Sink.PubSub.ProjectID == "" || c.Sink.PubSub.TopicName == "" {
				errs = append(errs, errors.New("sink.pubsub.project_id and topic_name are required for the pubsub sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("sink backend %q is not one of memory, local, gcs, pubsub", b))
		}
	}
	if err := c.Site.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UsesSink reports whether backend is among the configured sinks.
func (c Config) UsesSink(backend string) bool {
	return slices.Contains(c.Sink.Backends, backend)
}
