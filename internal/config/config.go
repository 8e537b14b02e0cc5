// Package config loads and validates all runtime configuration for the bridge.
//
// The backend list, routing strategy, model aliases, fallback order, and rate
// limits are read from a config.yaml file in the working directory. Scalar
// settings (port, log level, Redis URL, ClickHouse address) can be overridden
// by environment variables in UPPER_SNAKE_CASE; a .env file is loaded first
// when present.
//
// Backend API keys support ${VAR} expansion so keys can stay out of the YAML
// file:
//
//	backends:
//	  - name: openai-primary
//	    provider: openai
//	    api_key: ${OPENAI_API_KEY}
//	    models: ["gpt-*"]
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-bridge/internal/ratelimit"
	"github.com/nulpointcorp/llm-bridge/internal/router"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Strategy selects the routing strategy. Default: model-match.
	Strategy string

	// Backends lists every configured backend. At least one must be enabled.
	Backends []router.Backend

	// Aliases maps public model names to backend model names.
	Aliases map[string]string

	// Fallback controls the multi-backend fallback protocol.
	Fallback FallbackConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Audit controls the async request audit logger.
	Audit AuditConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// FallbackConfig controls multi-backend fallback.
type FallbackConfig struct {
	// Order lists backend names to try after the selected backend fails.
	// Empty disables fallback.
	Order []string `mapstructure:"order"`

	// MaxAttempts is the maximum number of backend attempts per request
	// (including the first). Default: 3.
	MaxAttempts int `mapstructure:"max_attempts"`

	// RetryDelay is the constant pause before each fallback attempt.
	// Default: 250ms.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// RateLimitConfig controls request-rate limiting. MaxRequests 0 disables it.
type RateLimitConfig struct {
	// Window is the sliding-window length. Default: 1m.
	Window time.Duration `mapstructure:"window"`

	// MaxRequests is the number of requests admitted per window per key.
	// 0 disables rate limiting. Default: 0.
	MaxRequests int `mapstructure:"max_requests"`

	// Overrides holds per-key limits that replace the default window.
	Overrides map[string]ratelimit.Config `mapstructure:"overrides"`

	// RedisURL enables the Redis-backed limiter shared across replicas.
	// Empty uses the in-process limiter.
	RedisURL string `mapstructure:"redis_url"`
}

// Enabled reports whether rate limiting is configured at all.
func (c RateLimitConfig) Enabled() bool { return c.MaxRequests > 0 }

// AuditConfig controls the async request audit logger.
type AuditConfig struct {
	// Enabled turns per-request audit logging on. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// ClickHouseAddr enables the ClickHouse sink (host:port). Empty writes
	// audit records as structured log lines instead.
	ClickHouseAddr string `mapstructure:"clickhouse_addr"`

	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

// Load reads configuration from config.yaml in the current working directory,
// with environment variable overrides for scalar settings.
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
	v.SetDefault("STRATEGY", router.StrategyModelMatch)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("fallback.max_attempts", 3)
	v.SetDefault("fallback.retry_delay", "250ms")
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.max_requests", 0)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Strategy: strings.ToLower(v.GetString("STRATEGY")),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := v.UnmarshalKey("backends", &cfg.Backends); err != nil {
		return nil, fmt.Errorf("config: backends: %w", err)
	}
	if err := v.UnmarshalKey("aliases", &cfg.Aliases); err != nil {
		return nil, fmt.Errorf("config: aliases: %w", err)
	}
	if err := v.UnmarshalKey("fallback", &cfg.Fallback); err != nil {
		return nil, fmt.Errorf("config: fallback: %w", err)
	}
	if err := v.UnmarshalKey("ratelimit", &cfg.RateLimit); err != nil {
		return nil, fmt.Errorf("config: ratelimit: %w", err)
	}
	if err := v.UnmarshalKey("audit", &cfg.Audit); err != nil {
		return nil, fmt.Errorf("config: audit: %w", err)
	}

	// Env overrides for settings that usually arrive via the environment.
	if url := v.GetString("REDIS_URL"); url != "" {
		cfg.RateLimit.RedisURL = url
	}
	if addr := v.GetString("CLICKHOUSE_ADDR"); addr != "" {
		cfg.Audit.ClickHouseAddr = addr
	}

	// ${VAR} expansion for credentials and endpoints.
	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = os.ExpandEnv(cfg.Backends[i].APIKey)
		cfg.Backends[i].BaseURL = os.ExpandEnv(cfg.Backends[i].BaseURL)
	}
	cfg.Audit.Password = os.ExpandEnv(cfg.Audit.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks all semantic constraints that cannot be expressed as
// defaults. Exported so tests and embedders can validate hand-built configs.
func (c *Config) Validate() error {
	switch c.Strategy {
	case router.StrategyModelMatch, router.StrategyRoundRobin, router.StrategyLeastLatency,
		router.StrategyCostOptimized, router.StrategyPriority, router.StrategyRandom,
		router.StrategyWeightedRandom:
	default:
		return fmt.Errorf("config: invalid strategy %q", c.Strategy)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}

	names := make(map[string]bool, len(c.Backends))
	enabled := 0
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("config: backend with empty name")
		}
		if names[b.Name] {
			return fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		names[b.Name] = true
		if b.Provider == "" {
			return fmt.Errorf("config: backend %q: provider is required", b.Name)
		}
		if b.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: at least one backend must be enabled")
	}

	for _, name := range c.Fallback.Order {
		if !names[name] {
			return fmt.Errorf("config: fallback order references unknown backend %q", name)
		}
	}
	if c.Fallback.MaxAttempts < 1 {
		return fmt.Errorf("config: fallback max_attempts must be ≥ 1, got %d", c.Fallback.MaxAttempts)
	}
	if c.Fallback.RetryDelay < 0 {
		return fmt.Errorf("config: fallback retry_delay must not be negative")
	}

	for alias, target := range c.Aliases {
		if target == "" {
			return fmt.Errorf("config: alias %q has an empty target", alias)
		}
	}

	if c.RateLimit.Enabled() && c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: ratelimit window must be a positive duration")
	}
	for key, ov := range c.RateLimit.Overrides {
		if ov.MaxRequests > 0 && ov.Window <= 0 {
			return fmt.Errorf("config: ratelimit override %q: window must be a positive duration", key)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
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
