// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file is loaded first when present.
//
// The gateway needs Kafka (request/response bus) and Postgres (auth tokens and
// the inference log). Redis is optional — set CACHE_MODE=memory to use the
// built-in in-process cache and disable the shared rate limiter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Kafka holds the bus connection settings and topic names.
	Kafka KafkaConfig

	// Redis backs the response cache and the rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Postgres holds the connection URL for api_tokens and inference_logs.
	Postgres PostgresConfig

	// Backend is the model-serving backend (vLLM) the worker calls.
	Backend BackendConfig

	// Cache controls response-cache behaviour.
	Cache CacheConfig

	// CircuitBreaker guards the model-backend call.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit is the global per-remote-address request limit.
	RateLimit RateLimitConfig

	// ResponseTimeout bounds each wait for the next response frame, both in the
	// stream loop and in the WebSocket receive loop. Default: 30s.
	ResponseTimeout time.Duration

	// WebSocketSecret must match the ?token= query parameter on WS upgrades.
	WebSocketSecret string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any origin.
	CORSOrigins []string
}

// KafkaConfig holds bus connection configuration.
type KafkaConfig struct {
	// BootstrapServers is a comma-separated broker list, e.g. "kafka:9092".
	BootstrapServers string

	// Topic is the request topic. Default: "inferno-queue".
	Topic string

	// ResponseTopic is the per-chunk reply topic. Default: "inferno-response-queue".
	ResponseTopic string

	// GroupID is the consumer group shared by all inference workers.
	// Default: "inferno-consumer-group". The response dispatcher derives its
	// own unique group id at startup and does not use this value.
	GroupID string
}

// Brokers returns the bootstrap servers as a slice.
func (k KafkaConfig) Brokers() []string {
	parts := strings.Split(k.BootstrapServers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Host of the Redis server. Default: "redis".
	Host string
	// Port of the Redis server. Default: 6379.
	Port int
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PostgresConfig holds the SQL store configuration.
type PostgresConfig struct {
	// URL is a postgres:// DSN. Example: postgres://user:pass@db:5432/chatlogs
	URL string
}

// BackendConfig holds model-backend (vLLM) settings.
type BackendConfig struct {
	// URL is the base URL of the OpenAI-compatible completions backend.
	// Default: "http://vllm:8000".
	URL string

	// RequestTimeout is the hard per-call timeout for the streaming HTTP call.
	// Default: 25s.
	RequestTimeout time.Duration
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache shared across replicas. Recommended.
	//   "memory" — In-process TTL cache. No external deps.
	//   "none"   — Cache disabled entirely.
	// Default: "redis".
	Mode string

	// TTL is the time-to-live for cached completions. Default: 1h.
	TTL time.Duration
}

// CircuitBreakerConfig controls the model-backend circuit breaker.
type CircuitBreakerConfig struct {
	// FailMax is the number of consecutive failures that trip the breaker.
	// Default: 5.
	FailMax int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe call. Default: 30s.
	ResetTimeout time.Duration
}

// RateLimitConfig is the global per-remote-address token bucket.
// The default of 10000 requests per second is effectively off; the mechanism
// exists so real limits can be applied at deployment time.
type RateLimitConfig struct {
	// Times is the number of requests allowed per window. Default: 10000.
	Times int

	// Seconds is the window length in seconds. Default: 1.
	Seconds int
}

// Window returns the limiter window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.Seconds) * time.Second
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("KAFKA_BOOTSTRAP_SERVERS", "kafka:9092")
	v.SetDefault("KAFKA_TOPIC", "inferno-queue")
	v.SetDefault("KAFKA_RESPONSE_TOPIC", "inferno-response-queue")
	v.SetDefault("KAFKA_GROUP_ID", "inferno-consumer-group")

	v.SetDefault("REDIS_HOST", "redis")
	v.SetDefault("REDIS_PORT", 6379)

	v.SetDefault("VLLM_URL", "http://vllm:8000")
	v.SetDefault("VLLM_REQUEST_TIMEOUT", "25s")
	v.SetDefault("RESPONSE_TIMEOUT", "30s")

	v.SetDefault("CACHE_MODE", "redis")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("CB_FAIL_MAX", 5)
	v.SetDefault("CB_RESET_TIMEOUT", "30s")

	v.SetDefault("RATE_LIMIT_TIMES", 10000)
	v.SetDefault("RATE_LIMIT_SECONDS", 1)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Kafka: KafkaConfig{
			BootstrapServers: v.GetString("KAFKA_BOOTSTRAP_SERVERS"),
			Topic:            v.GetString("KAFKA_TOPIC"),
			ResponseTopic:    v.GetString("KAFKA_RESPONSE_TOPIC"),
			GroupID:          v.GetString("KAFKA_GROUP_ID"),
		},

		Redis: RedisConfig{
			Host: v.GetString("REDIS_HOST"),
			Port: v.GetInt("REDIS_PORT"),
		},

		Postgres: PostgresConfig{URL: v.GetString("POSTGRES_URL")},

		Backend: BackendConfig{
			URL:            v.GetString("VLLM_URL"),
			RequestTimeout: v.GetDuration("VLLM_REQUEST_TIMEOUT"),
		},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailMax:      v.GetInt("CB_FAIL_MAX"),
			ResetTimeout: v.GetDuration("CB_RESET_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			Times:   v.GetInt("RATE_LIMIT_TIMES"),
			Seconds: v.GetInt("RATE_LIMIT_SECONDS"),
		},

		ResponseTimeout: v.GetDuration("RESPONSE_TIMEOUT"),
		WebSocketSecret: v.GetString("WEBSOCKET_SECRET_KEY"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Kafka.Brokers()) == 0 {
		return fmt.Errorf("config: KAFKA_BOOTSTRAP_SERVERS must name at least one broker")
	}
	if c.Kafka.Topic == "" || c.Kafka.ResponseTopic == "" {
		return fmt.Errorf("config: KAFKA_TOPIC and KAFKA_RESPONSE_TOPIC must not be empty")
	}
	if c.Kafka.Topic == c.Kafka.ResponseTopic {
		return fmt.Errorf("config: KAFKA_TOPIC and KAFKA_RESPONSE_TOPIC must differ, both are %q", c.Kafka.Topic)
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("config: POSTGRES_URL is required (api_tokens and inference_logs live there)")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.FailMax < 1 {
		return fmt.Errorf("config: CB_FAIL_MAX must be ≥ 1, got %d", c.CircuitBreaker.FailMax)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("config: RESPONSE_TIMEOUT must be a positive duration")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("config: VLLM_REQUEST_TIMEOUT must be a positive duration")
	}
	if c.RateLimit.Times < 1 || c.RateLimit.Seconds < 1 {
		return fmt.Errorf("config: RATE_LIMIT_TIMES and RATE_LIMIT_SECONDS must be ≥ 1")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
