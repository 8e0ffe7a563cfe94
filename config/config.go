// Package config provides configuration management for the application.
// Values come from environment variables (optionally via a .env file),
// with sane defaults for everything but API keys.
package config

import (
	"time"

	"github.com/spf13/viper"

	"costgate/internal/core"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig
	Providers ProvidersConfig
	Budget    BudgetConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Batch     BatchConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	MasterKey       string
	MetricsEnabled  bool
	MetricsEndpoint string
}

// ProvidersConfig holds LLM provider credentials and dispatch limits.
type ProvidersConfig struct {
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	AnthropicAPIKey     string
	AnthropicBaseURL    string
	Primary             string // "openai" or "anthropic"
	MaxTokensPerRequest int
}

// BudgetConfig holds the daily spend ceilings in USD.
type BudgetConfig struct {
	GlobalDailyMax float64
	UserDailyMax   float64
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	LocalCapacity int
	TTL           time.Duration
}

// QueueConfig tunes the async job queue and its worker pool.
type QueueConfig struct {
	Limits            core.RateLimitConfig
	PollInterval      time.Duration
	DefaultJobTimeout time.Duration
}

// BatchConfig tunes the batch deduplicator.
type BatchConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	ResultTTL     time.Duration
}

// RedisConfig locates the shared key-value store. An empty URL selects the
// in-process store (single-node, non-durable).
type RedisConfig struct {
	URL string
}

// TelemetryConfig selects the usage event sink. An empty PostgresURL logs
// events via slog instead.
type TelemetryConfig struct {
	Enabled       bool
	PostgresURL   string
	BufferSize    int
	FlushInterval time.Duration
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // .env is optional

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.SetDefault("LOG_LEVEL", "info")

	viper.SetDefault("PRIMARY_PROVIDER", "openai")
	viper.SetDefault("MAX_TOKENS_PER_REQUEST", 4096)

	viper.SetDefault("BUDGET_GLOBAL_DAILY_MAX", 100.0)
	viper.SetDefault("BUDGET_USER_DAILY_MAX", 10.0)

	viper.SetDefault("CACHE_LOCAL_CAPACITY", 1000)
	viper.SetDefault("CACHE_TTL", "1h")

	viper.SetDefault("QUEUE_MAX_CONCURRENT_JOBS", 5)
	viper.SetDefault("QUEUE_MAX_JOBS_PER_MINUTE", 60)
	viper.SetDefault("QUEUE_MAX_COST_PER_MINUTE", 1.0)
	viper.SetDefault("QUEUE_MAX_COST_PER_HOUR", 25.0)
	viper.SetDefault("QUEUE_CIRCUIT_BREAKER_THRESHOLD", 5)
	viper.SetDefault("QUEUE_POLL_INTERVAL", "5s")
	viper.SetDefault("QUEUE_DEFAULT_JOB_TIMEOUT", "2m")

	viper.SetDefault("BATCH_MAX_SIZE", 20)
	viper.SetDefault("BATCH_FLUSH_INTERVAL", "2s")
	viper.SetDefault("BATCH_RESULT_TTL", "1h")

	viper.SetDefault("TELEMETRY_ENABLED", true)
	viper.SetDefault("TELEMETRY_BUFFER_SIZE", 1000)
	viper.SetDefault("TELEMETRY_FLUSH_INTERVAL", "5s")

	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetString("PORT"),
			MasterKey:       viper.GetString("MASTER_KEY"),
			MetricsEnabled:  viper.GetBool("METRICS_ENABLED"),
			MetricsEndpoint: viper.GetString("METRICS_ENDPOINT"),
		},
		Providers: ProvidersConfig{
			OpenAIAPIKey:        viper.GetString("OPENAI_API_KEY"),
			OpenAIBaseURL:       viper.GetString("OPENAI_BASE_URL"),
			AnthropicAPIKey:     viper.GetString("ANTHROPIC_API_KEY"),
			AnthropicBaseURL:    viper.GetString("ANTHROPIC_BASE_URL"),
			Primary:             viper.GetString("PRIMARY_PROVIDER"),
			MaxTokensPerRequest: viper.GetInt("MAX_TOKENS_PER_REQUEST"),
		},
		Budget: BudgetConfig{
			GlobalDailyMax: viper.GetFloat64("BUDGET_GLOBAL_DAILY_MAX"),
			UserDailyMax:   viper.GetFloat64("BUDGET_USER_DAILY_MAX"),
		},
		Cache: CacheConfig{
			LocalCapacity: viper.GetInt("CACHE_LOCAL_CAPACITY"),
			TTL:           viper.GetDuration("CACHE_TTL"),
		},
		Queue: QueueConfig{
			Limits: core.RateLimitConfig{
				MaxConcurrentJobs:       viper.GetInt("QUEUE_MAX_CONCURRENT_JOBS"),
				MaxJobsPerMinute:        viper.GetInt("QUEUE_MAX_JOBS_PER_MINUTE"),
				MaxCostPerMinute:        viper.GetFloat64("QUEUE_MAX_COST_PER_MINUTE"),
				MaxCostPerHour:          viper.GetFloat64("QUEUE_MAX_COST_PER_HOUR"),
				CircuitBreakerThreshold: viper.GetInt("QUEUE_CIRCUIT_BREAKER_THRESHOLD"),
			},
			PollInterval:      viper.GetDuration("QUEUE_POLL_INTERVAL"),
			DefaultJobTimeout: viper.GetDuration("QUEUE_DEFAULT_JOB_TIMEOUT"),
		},
		Batch: BatchConfig{
			MaxBatchSize:  viper.GetInt("BATCH_MAX_SIZE"),
			FlushInterval: viper.GetDuration("BATCH_FLUSH_INTERVAL"),
			ResultTTL:     viper.GetDuration("BATCH_RESULT_TTL"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("REDIS_URL"),
		},
		Telemetry: TelemetryConfig{
			Enabled:       viper.GetBool("TELEMETRY_ENABLED"),
			PostgresURL:   viper.GetString("TELEMETRY_POSTGRES_URL"),
			BufferSize:    viper.GetInt("TELEMETRY_BUFFER_SIZE"),
			FlushInterval: viper.GetDuration("TELEMETRY_FLUSH_INTERVAL"),
		},
		LogLevel: viper.GetString("LOG_LEVEL"),
	}

	return cfg, nil
}
