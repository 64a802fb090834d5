// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Checkpoint backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Run        RunConfig        `mapstructure:"run"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RunConfig identifies the run and its input.
type RunConfig struct {
	ID        string `mapstructure:"id"`
	InputPath string `mapstructure:"input_path"`
	IDPrefix  string `mapstructure:"id_prefix"`
}

// CrawlerConfig governs the worker pool and retry behavior.
type CrawlerConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`
	UserAgent           string `mapstructure:"user_agent"`
	BaseURL             string `mapstructure:"base_url"`
	MaxAttempts         int    `mapstructure:"max_attempts"`
	ParseMaxAttempts    int    `mapstructure:"parse_max_attempts"`
	BackoffInitialMs    int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int    `mapstructure:"backoff_max_ms"`
	DrainTimeoutSeconds int    `mapstructure:"drain_timeout_seconds"`
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RateLimitConfig bounds outbound request rate. A zero Capacity is derived
// from concurrency times PerWorker.
type RateLimitConfig struct {
	Capacity      int `mapstructure:"capacity"`
	PerWorker     int `mapstructure:"per_worker"`
	WindowSeconds int `mapstructure:"window_seconds"`
	MinIntervalMs int `mapstructure:"min_interval_ms"`
}

// CheckpointConfig selects the checkpoint backend and flush cadence.
type CheckpointConfig struct {
	Backend             string `mapstructure:"backend"`
	Threshold           int    `mapstructure:"threshold"`
	FlushTimeoutSeconds int    `mapstructure:"flush_timeout_seconds"`
	Dir                 string `mapstructure:"dir"`
	Prefix              string `mapstructure:"prefix"`
}

// StorageConfig sets the object store used by the gcs backend.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
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
	v.SetDefault("run.id", "")
	v.SetDefault("run.input_path", "")
	v.SetDefault("run.id_prefix", "")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("crawler.base_url", "http://taxsearch.co.grayson.tx.us:8443/Property-Detail/PropertyQuickRefID/{id}")
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.parse_max_attempts", 2)
	v.SetDefault("crawler.backoff_initial_ms", 500)
	v.SetDefault("crawler.backoff_max_ms", 10000)
	v.SetDefault("crawler.drain_timeout_seconds", 30)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("ratelimit.capacity", 0)
	v.SetDefault("ratelimit.per_worker", 4)
	v.SetDefault("ratelimit.window_seconds", 10)
	v.SetDefault("ratelimit.min_interval_ms", 0)
	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.threshold", 100)
	v.SetDefault("checkpoint.flush_timeout_seconds", 30)
	v.SetDefault("checkpoint.dir", "data/checkpoints")
	v.SetDefault("checkpoint.prefix", "checkpoints")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "tax_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.ParseMaxAttempts <= 0 {
		return fmt.Errorf("crawler.parse_max_attempts must be > 0")
	}
	if c.Crawler.BackoffInitialMs < 0 || c.Crawler.BackoffMaxMs < c.Crawler.BackoffInitialMs {
		return fmt.Errorf("crawler.backoff_max_ms must be >= crawler.backoff_initial_ms >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("ratelimit.capacity must be >= 0")
	}
	if c.RateLimit.Capacity == 0 && c.RateLimit.PerWorker <= 0 {
		return fmt.Errorf("ratelimit.per_worker must be > 0 when ratelimit.capacity is unset")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be > 0")
	}
	if c.RateLimit.MinIntervalMs < 0 {
		return fmt.Errorf("ratelimit.min_interval_ms must be >= 0")
	}
	if c.Checkpoint.Threshold <= 0 {
		return fmt.Errorf("checkpoint.threshold must be > 0")
	}
	if c.Checkpoint.FlushTimeoutSeconds <= 0 {
		return fmt.Errorf("checkpoint.flush_timeout_seconds must be > 0")
	}
	switch c.Checkpoint.Backend {
	case BackendFile:
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir must be set for the file backend")
		}
	case BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// RateCapacity returns the configured rate-limit capacity, deriving it from
// the worker count when unset.
func (c Config) RateCapacity() int {
	if c.RateLimit.Capacity > 0 {
		return c.RateLimit.Capacity
	}
	return c.Crawler.Concurrency * c.RateLimit.PerWorker
}

// RateWindow returns the rate-limit window.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// MinInterval returns the minimum spacing between rate-limit grants.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.RateLimit.MinIntervalMs) * time.Millisecond
}

// FetchTimeout converts http.timeout_seconds to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FlushTimeout bounds a single checkpoint write.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.Checkpoint.FlushTimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Crawler.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Crawler.BackoffMaxMs) * time.Millisecond
}

// DrainTimeout bounds how long a cancelled run waits for in-flight work.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Crawler.DrainTimeoutSeconds) * time.Second
}

var unsafeRunID = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ResolveRunID returns run.id when set, otherwise a name derived from the
// input file so repeated runs over the same input resume one checkpoint.
// fallback is used when neither is available.
func (c Config) ResolveRunID(fallback func() (string, error)) (string, error) {
	if id := sanitizeRunID(c.Run.ID); id != "" {
		return id, nil
	}
	if c.Run.InputPath != "" {
		base := filepath.Base(c.Run.InputPath)
		if id := sanitizeRunID(strings.TrimSuffix(base, filepath.Ext(base))); id != "" {
			return id, nil
		}
	}
	if fallback == nil {
		return "", fmt.Errorf("run id cannot be derived; set run.id")
	}
	id, err := fallback()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

func sanitizeRunID(s string) string {
	return strings.Trim(unsafeRunID.ReplaceAllString(strings.TrimSpace(s), "-"), "-")
}
