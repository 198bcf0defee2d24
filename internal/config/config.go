// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// No provider key is strictly required: with zero providers configured the
// gateway serves deterministic mock responses, which keeps local development
// and CI self-contained. Redis and ClickHouse are optional backends for the
// shared rate limiter, the overflow queue, and the request-log sink.
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

	// HealthPort optionally serves /health and /metrics on a second port so
	// probes stay reachable when the main port saturates. 0 disables it.
	HealthPort int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials — all optional; unset providers are not registered.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers.
	Groq     ProviderConfig
	XAI      ProviderConfig
	DeepSeek ProviderConfig
	Together ProviderConfig

	// RouterPolicy selects the routing strategy:
	// "default", "cost", "health", or "enhanced".
	RouterPolicy string

	// AliasesPath points at the YAML model-alias file. The file is watched
	// and hot-reloaded; an empty path uses the built-in defaults.
	AliasesPath string

	// APIKeys holds the gateway's own client keys, from GATEWAY_API_KEYS as
	// comma-separated "key[:name[:rpm]]" entries. Empty means open mode.
	APIKeys []string

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Retry controls per-provider retry behaviour.
	Retry RetryConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Redis holds the connection URL for the shared rate limiter and the
	// overflow queue. Empty falls back to in-process equivalents.
	Redis RedisConfig

	// ClickHouse holds the request-log sink URL. Empty disables the sink;
	// request logs then go to slog only.
	ClickHouse ClickHouseConfig

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink connection.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Example: clickhouse://localhost:9000/default
	URL string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// probe requests. Default: 60s.
	RecoveryTimeout time.Duration

	// HalfOpenLimit bounds concurrent probes in the half-open state.
	// Default: 1.
	HalfOpenLimit int
}

// RetryConfig controls per-provider retries with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total attempts per provider (including the first).
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the first backoff delay. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 5s.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay each attempt. Default: 2.0.
	BackoffFactor float64

	// Jitter toggles the ±25% randomization of each delay. Default: true.
	Jitter bool

	// RetryableErrors overrides the retryable error-kind set. Empty keeps
	// the default {timeout, connection, rate_limit, server_error}.
	RetryableErrors []string
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// Strategy orders failover candidates: "priority", "round_robin",
	// "health_aware", or "cost_optimized". Default: "priority".
	Strategy string

	// MaxAttempts bounds how many providers one request may touch.
	// 0 means "all of them".
	MaxAttempts int

	// HealthThreshold is the minimum health score under the health_aware
	// strategy. Default: 0.5.
	HealthThreshold float64
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPM is the default requests-per-minute budget per key.
	// 0 disables rate limiting entirely. Default: 0.
	RPM int

	// Concurrent caps simultaneous streaming requests per key. Default: 10.
	Concurrent int
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
	v.SetDefault("HEALTH_PORT", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ROUTER_POLICY", "default")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", "60s")
	v.SetDefault("CIRCUIT_BREAKER_HALF_OPEN_LIMIT", 1)

	// Retry defaults.
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY_MS", 200)
	v.SetDefault("RETRY_MAX_DELAY_MS", 5000)
	v.SetDefault("RETRY_BACKOFF_FACTOR", 2.0)
	v.SetDefault("RETRY_JITTER", true)

	// Failover defaults.
	v.SetDefault("FAILOVER_STRATEGY", "priority")
	v.SetDefault("FAILOVER_MAX_ATTEMPTS", 0)
	v.SetDefault("FAILOVER_HEALTH_THRESHOLD", 0.5)

	// Rate limit: 0 = disabled.
	v.SetDefault("RATE_LIMIT_RPM", 0)
	v.SetDefault("RATE_LIMIT_CONCURRENT", 10)

	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:       v.GetInt("PORT"),
		HealthPort: v.GetInt("HEALTH_PORT"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Groq:     ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		XAI:      ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek: ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Together: ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},

		RouterPolicy: strings.ToLower(v.GetString("ROUTER_POLICY")),
		AliasesPath:  v.GetString("ALIASES_PATH"),
		APIKeys:      splitList(v.GetString("GATEWAY_API_KEYS")),

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD"),
			RecoveryTimeout:  v.GetDuration("CIRCUIT_BREAKER_RECOVERY_TIMEOUT"),
			HalfOpenLimit:    v.GetInt("CIRCUIT_BREAKER_HALF_OPEN_LIMIT"),
		},

		Retry: RetryConfig{
			MaxAttempts:     v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:       time.Duration(v.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,
			MaxDelay:        time.Duration(v.GetInt("RETRY_MAX_DELAY_MS")) * time.Millisecond,
			BackoffFactor:   v.GetFloat64("RETRY_BACKOFF_FACTOR"),
			Jitter:          v.GetBool("RETRY_JITTER"),
			RetryableErrors: splitList(v.GetString("RETRY_RETRYABLE_ERRORS")),
		},

		Failover: FailoverConfig{
			Strategy:        strings.ToLower(v.GetString("FAILOVER_STRATEGY")),
			MaxAttempts:     v.GetInt("FAILOVER_MAX_ATTEMPTS"),
			HealthThreshold: v.GetFloat64("FAILOVER_HEALTH_THRESHOLD"),
		},

		RateLimit: RateLimitConfig{
			RPM:        v.GetInt("RATE_LIMIT_RPM"),
			Concurrent: v.GetInt("RATE_LIMIT_CONCURRENT"),
		},

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.RouterPolicy {
	case "default", "cost", "health", "enhanced":
	default:
		return fmt.Errorf(
			"config: invalid ROUTER_POLICY %q; must be one of: default, cost, health, enhanced",
			c.RouterPolicy,
		)
	}

	switch c.Failover.Strategy {
	case "priority", "round_robin", "health_aware", "cost_optimized":
	default:
		return fmt.Errorf(
			"config: invalid FAILOVER_STRATEGY %q; must be one of: priority, round_robin, health_aware, cost_optimized",
			c.Failover.Strategy,
		)
	}
	if c.Failover.HealthThreshold < 0 || c.Failover.HealthThreshold > 1 {
		return fmt.Errorf("config: FAILOVER_HEALTH_THRESHOLD must be in [0,1], got %v", c.Failover.HealthThreshold)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_RECOVERY_TIMEOUT must be a positive duration")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("config: RETRY_BACKOFF_FACTOR must be ≥ 1, got %v", c.Retry.BackoffFactor)
	}
	if c.RateLimit.RPM < 0 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be ≥ 0, got %d", c.RateLimit.RPM)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
// With zero keys the gateway starts in mock mode.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Together.APIKey != ""
}

// splitList parses a comma-separated env value into trimmed entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
