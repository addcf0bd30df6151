// Package config loads and validates harvester configuration via Viper.
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
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Health    HealthConfig    `mapstructure:"health"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Cookies   CookieConfig    `mapstructure:"cookies"`
	Degrade   DegradeConfig   `mapstructure:"degrade"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Publish   PublishConfig   `mapstructure:"publish"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig governs the periodic tick and the recovery sweep.
type SchedulerConfig struct {
	TickSeconds          int `mapstructure:"tick_seconds"`
	RecoverySweepMinutes int `mapstructure:"recovery_sweep_minutes"`
	// ProbeURL is the search-mirror endpoint whose reachability gates
	// scheduling of search sources. Empty disables the gate.
	ProbeURL string `mapstructure:"probe_url"`
}

// RateLimitConfig holds the three admission gates.
type RateLimitConfig struct {
	GlobalMaxConcurrent    int `mapstructure:"global_max_concurrent"`
	PerSourceMaxConcurrent int `mapstructure:"per_source_max_concurrent"`
	WindowSeconds          int `mapstructure:"window_seconds"`
	MaxPerWindow           int `mapstructure:"max_per_window"`
	HistoryRetentionMin    int `mapstructure:"history_retention_minutes"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Backend          string `mapstructure:"backend"` // memory | redis
	Depth            int    `mapstructure:"depth"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	RedisAddr        string `mapstructure:"redis_addr"`
	RedisDB          int    `mapstructure:"redis_db"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	CrawlBudgetSec int `mapstructure:"crawl_budget_seconds"`
}

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	ViewportWidth     int    `mapstructure:"viewport_width"`
	ViewportHeight    int    `mapstructure:"viewport_height"`
	NavTimeoutSec     int    `mapstructure:"nav_timeout_seconds"`
	ChallengeRetries  int    `mapstructure:"challenge_retries"`
	ChallengeWaitSec  int    `mapstructure:"challenge_wait_seconds"`
}

// CookieConfig governs the authentication cookie pool.
type CookieConfig struct {
	TTLMinutes     int    `mapstructure:"ttl_minutes"`
	MaxFailures    int    `mapstructure:"max_failures"`
	AuthURL        string `mapstructure:"auth_url"`
	TokenName      string `mapstructure:"token_name"`
	WarmupDelaySec int    `mapstructure:"warmup_delay_seconds"`
}

// DegradeConfig holds the acquisition-mode fallback thresholds.
type DegradeConfig struct {
	PrimaryThreshold  int `mapstructure:"primary_threshold"`
	FallbackThreshold int `mapstructure:"fallback_threshold"`
	ResetMinutes      int `mapstructure:"reset_minutes"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres
	DSN     string `mapstructure:"dsn"`
}

// CaptureConfig selects where raw page context of failed extractions goes.
type CaptureConfig struct {
	Provider  string `mapstructure:"provider"` // noop | local | gcs
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PublishConfig configures the completion-event publisher.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"` // noop | memory | pubsub
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.recovery_sweep_minutes", 1440)
	v.SetDefault("rate_limit.global_max_concurrent", 5)
	v.SetDefault("rate_limit.per_source_max_concurrent", 1)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.max_per_window", 1)
	v.SetDefault("rate_limit.history_retention_minutes", 60)
	v.SetDefault("health.max_consecutive_failures", 5)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial_ms", 2000)
	v.SetDefault("queue.backoff_max_ms", 60000)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.crawl_budget_seconds", 300)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.challenge_retries", 3)
	v.SetDefault("browser.challenge_wait_seconds", 10)
	v.SetDefault("cookies.ttl_minutes", 120)
	v.SetDefault("cookies.max_failures", 3)
	v.SetDefault("cookies.auth_url", "https://xueqiu.com")
	v.SetDefault("cookies.token_name", "xq_a_token")
	v.SetDefault("cookies.warmup_delay_seconds", 5)
	v.SetDefault("degrade.primary_threshold", 10)
	v.SetDefault("degrade.fallback_threshold", 5)
	v.SetDefault("degrade.reset_minutes", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("capture.provider", "noop")
	v.SetDefault("capture.local_dir", "captures")
	v.SetDefault("publish.provider", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.RateLimit.GlobalMaxConcurrent <= 0 {
		return fmt.Errorf("rate_limit.global_max_concurrent must be > 0")
	}
	if c.RateLimit.PerSourceMaxConcurrent <= 0 {
		return fmt.Errorf("rate_limit.per_source_max_concurrent must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set when queue.backend is redis")
		}
	default:
		return fmt.Errorf("unknown queue backend: %s", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.Capture.Provider {
	case "noop", "local":
	case "gcs":
		if c.Capture.GCSBucket == "" {
			return fmt.Errorf("capture.gcs_bucket must be set when capture.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown capture provider: %s", c.Capture.Provider)
	}
	switch c.Publish.Provider {
	case "noop", "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return fmt.Errorf("publish.project_id and publish.topic must be set when publish.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown publish provider: %s", c.Publish.Provider)
	}
	if c.Cookies.TTLMinutes <= 0 {
		return fmt.Errorf("cookies.ttl_minutes must be > 0")
	}
	return nil
}

// Tick returns the scheduler tick interval.
func (c Config) Tick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// RecoverySweep returns the disabled-source recovery interval.
func (c Config) RecoverySweep() time.Duration {
	return time.Duration(c.Scheduler.RecoverySweepMinutes) * time.Minute
}

// CrawlBudget returns the per-job execution timeout.
func (c Config) CrawlBudget() time.Duration {
	return time.Duration(c.Worker.CrawlBudgetSec) * time.Second
}
