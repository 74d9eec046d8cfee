// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Events     EventsConfig     `mapstructure:"events"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs crawl requests and the run queue.
type CrawlerConfig struct {
	MaxDepth        int    `mapstructure:"max_depth"`
	Concurrency     int    `mapstructure:"concurrency"`
	MaxConcurrency  int    `mapstructure:"max_concurrency"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	RetryBackoffMs  int    `mapstructure:"retry_backoff_ms"`
	RetryMaxMs      int    `mapstructure:"retry_backoff_max_ms"`
	DelayMs         int    `mapstructure:"delay_ms"`
	UserAgent       string `mapstructure:"user_agent"`
	IgnoreRobots    bool   `mapstructure:"ignore_robots"`
	QueueDepth      int    `mapstructure:"queue_depth"`
	MaxParallelRuns int    `mapstructure:"max_parallel_runs"`
	RecoverOnStart  bool   `mapstructure:"recover_on_start"`
}

// HTTPConfig configures the probe fetcher.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// DatabaseConfig selects and tunes the record store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
}

// ClassifierConfig selects the topic classifier.
type ClassifierConfig struct {
	Provider       string              `mapstructure:"provider"`
	Endpoint       string              `mapstructure:"endpoint"`
	APIKey         string              `mapstructure:"api_key"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	MaxTextChars   int                 `mapstructure:"max_text_chars"`
	Topics         []string            `mapstructure:"topics"`
	Keywords       map[string][]string `mapstructure:"keywords"`
}

// ArchiveConfig selects where raw pages are archived.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig configures the filesystem archive.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// EventsConfig selects where completion events are published.
type EventsConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds the Pub/Sub project and topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// KafkaConfig holds the Kafka brokers and topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RateLimitConfig tunes per-host politeness.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_concurrency", 32)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.retry_backoff_ms", 500)
	v.SetDefault("crawler.retry_backoff_max_ms", 10000)
	v.SetDefault("crawler.delay_ms", 1000)
	v.SetDefault("crawler.user_agent", "topic-crawler/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.max_parallel_runs", 2)
	v.SetDefault("crawler.recover_on_start", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "scraped_urls")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.sqlite_path", "crawler.db")
	v.SetDefault("classifier.provider", "keyword")
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.timeout_seconds", 10)
	v.SetDefault("classifier.max_text_chars", 512)
	v.SetDefault("classifier.topics", []string{})
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.local.base_dir", "archive")
	v.SetDefault("events.backend", "none")
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic", "")
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxConcurrency > 0 && c.Crawler.MaxConcurrency < c.Crawler.Concurrency {
		return fmt.Errorf("crawler.max_concurrency must be >= crawler.concurrency")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.RetryBackoffMs < 0 || c.Crawler.RetryMaxMs < 0 {
		return fmt.Errorf("crawler.retry_backoff_ms and crawler.retry_backoff_max_ms must be >= 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.MaxParallelRuns <= 0 {
		return fmt.Errorf("crawler.max_parallel_runs must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	return c.validateEvents()
}

func (c Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path must be set for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be one of postgres, sqlite, memory: %q", c.Database.Driver)
	}
	return nil
}

func (c Config) validateClassifier() error {
	switch c.Classifier.Provider {
	case "keyword":
	case "http":
		if c.Classifier.Endpoint == "" {
			return fmt.Errorf("classifier.endpoint must be set for the http provider")
		}
	default:
		return fmt.Errorf("classifier.provider must be keyword or http: %q", c.Classifier.Provider)
	}
	if c.Classifier.MaxTextChars <= 0 {
		return fmt.Errorf("classifier.max_text_chars must be > 0")
	}
	return nil
}

func (c Config) validateArchive() error {
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs: %q", c.Archive.Backend)
	}
	return nil
}

func (c Config) validateEvents() error {
	switch c.Events.Backend {
	case "none":
		return nil
	case "memory":
	case "pubsub":
		if c.Events.PubSub.ProjectID == "" {
			return fmt.Errorf("events.pubsub.project_id must be set for the pubsub backend")
		}
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 || slices.Contains(c.Events.Kafka.Brokers, "") {
			return fmt.Errorf("events.kafka.brokers must list at least one broker")
		}
	default:
		return fmt.Errorf("events.backend must be one of none, memory, pubsub, kafka: %q", c.Events.Backend)
	}
	if c.EventTopic() == "" {
		return fmt.Errorf("an event topic must be set for the %s backend", c.Events.Backend)
	}
	return nil
}

// EventTopic returns the topic completion events go to for the configured
// backend.
func (c Config) EventTopic() string {
	switch c.Events.Backend {
	case "pubsub":
		return c.Events.PubSub.Topic
	case "kafka":
		return c.Events.Kafka.Topic
	case "memory":
		if c.Events.PubSub.Topic != "" {
			return c.Events.PubSub.Topic
		}
		if c.Events.Kafka.Topic != "" {
			return c.Events.Kafka.Topic
		}
		return "pages"
	default:
		return ""
	}
}

// FetchTimeout is the probe fetcher request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout is the headless navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// Delay is the minimum spacing between requests to one host.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// RetryBackoff returns the wait before a record's second attempt.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Crawler.RetryBackoffMs) * time.Millisecond
}

// RetryBackoffMax caps the doubling retry backoff.
func (c Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.Crawler.RetryMaxMs) * time.Millisecond
}

// ClassifierTimeout bounds a remote classification call.
func (c Config) ClassifierTimeout() time.Duration {
	return time.Duration(c.Classifier.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
