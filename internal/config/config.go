// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Relevance RelevanceConfig `mapstructure:"relevance"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	LLM       LLMConfig       `mapstructure:"llm"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the job worker pool.
type WorkerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	QueueDepth        int `mapstructure:"queue_depth"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
	MaxBackoffSeconds int `mapstructure:"max_backoff_seconds"`
}

// QueueConfig selects the job transport.
type QueueConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis queue backend.
type RedisConfig struct {
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	Prefix             string `mapstructure:"prefix"`
	PollIntervalMillis int    `mapstructure:"poll_interval_ms"`
}

// JobsConfig holds the retry policy of each job kind.
type JobsConfig struct {
	Crawl   JobConfig `mapstructure:"crawl"`
	Parse   JobConfig `mapstructure:"parse"`
	Webpage JobConfig `mapstructure:"webpage"`
}

// JobConfig is the retry policy of one job kind.
type JobConfig struct {
	Attempts       int `mapstructure:"attempts"`
	BackoffSeconds int `mapstructure:"backoff_seconds"`
}

// Backoff returns the base retry delay.
func (j JobConfig) Backoff() time.Duration {
	return time.Duration(j.BackoffSeconds) * time.Second
}

// HTTPConfig configures page fetching.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	IgnoreRobots   bool    `mapstructure:"ignore_robots"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
}

// Timeout returns the per-fetch timeout.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
	ExecPath        string `mapstructure:"exec_path"`
}

// DiscoveryConfig bounds website discovery.
type DiscoveryConfig struct {
	MaxDepth        int  `mapstructure:"max_depth"`
	MaxPagesDefault int  `mapstructure:"max_pages_default"`
	UseSitemap      bool `mapstructure:"use_sitemap"`
}

// RelevanceConfig tunes relevance scoring.
type RelevanceConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// ChunkingConfig sizes AI chunking. Sizes are in characters.
type ChunkingConfig struct {
	MaxWindow        int `mapstructure:"max_window"`
	MinSize          int `mapstructure:"min_size"`
	MaxSize          int `mapstructure:"max_size"`
	MinContentLength int `mapstructure:"min_content_length"`
	TitleMax         int `mapstructure:"title_max"`
}

// LLMConfig selects the AI text service.
type LLMConfig struct {
	Provider       string  `mapstructure:"provider"`
	Model          string  `mapstructure:"model"`
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects the raw HTML archive.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds where completion events go. An empty project keeps them in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ScheduleConfig controls the auto-refresh cron.
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("worker.job_timeout_seconds", 900)
	v.SetDefault("worker.max_backoff_seconds", 600)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.prefix", "ingest")
	v.SetDefault("queue.redis.poll_interval_ms", 1000)
	v.SetDefault("jobs.crawl.attempts", 2)
	v.SetDefault("jobs.crawl.backoff_seconds", 60)
	v.SetDefault("jobs.parse.attempts", 2)
	v.SetDefault("jobs.parse.backoff_seconds", 30)
	v.SetDefault("jobs.webpage.attempts", 2)
	v.SetDefault("jobs.webpage.backoff_seconds", 30)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "source-ingest/1.0")
	v.SetDefault("http.ignore_robots", false)
	v.SetDefault("http.rate_per_second", 2)
	v.SetDefault("http.burst", 2)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 200)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("discovery.max_depth", 3)
	v.SetDefault("discovery.max_pages_default", 100)
	v.SetDefault("discovery.use_sitemap", true)
	v.SetDefault("relevance.batch_size", 25)
	v.SetDefault("chunking.max_window", 50000)
	v.SetDefault("chunking.min_size", 1000)
	v.SetDefault("chunking.max_size", 4000)
	v.SetDefault("chunking.min_content_length", 100)
	v.SetDefault("chunking.title_max", 100)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_tokens", 16384)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.base_dir", "data/raw")
	v.SetDefault("storage.prefix", "raw-html")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "source-crawl-events")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.cron", "0 3 * * *")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	for name, job := range map[string]JobConfig{"crawl": c.Jobs.Crawl, "parse": c.Jobs.Parse, "webpage": c.Jobs.Webpage} {
		if job.Attempts <= 0 {
			return fmt.Errorf("jobs.%s.attempts must be > 0", name)
		}
		if job.BackoffSeconds < 0 {
			return fmt.Errorf("jobs.%s.backoff_seconds must be >= 0", name)
		}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	// The splitter echoes a whole window back, about four characters a token.
	if c.LLM.MaxTokens < c.Chunking.MaxWindow/4 {
		return fmt.Errorf("llm.max_tokens (%d) must be at least chunking.max_window/4 (%d)",
			c.LLM.MaxTokens, c.Chunking.MaxWindow/4)
	}
	if c.Chunking.MinSize > c.Chunking.MaxSize {
		return fmt.Errorf("chunking.min_size must not exceed chunking.max_size")
	}
	if c.Chunking.MinContentLength <= 0 {
		return fmt.Errorf("chunking.min_content_length must be > 0")
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("llm.provider must be openai, anthropic or ollama, got %q", c.LLM.Provider)
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub.project_id is set")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron must be set when the schedule is enabled")
	}
	return nil
}

// JobTimeout bounds one job handler invocation.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}
