// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory; environment variables
// take precedence. Env vars use UPPER_SNAKE_CASE; the YAML file uses the same
// names in lower_snake_case. Deployments can only be bootstrapped from the
// YAML file or registered at runtime through the admin API.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/conduithq/conduit/internal/auth"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is the minimum log level: debug, info, warn, error. Default: info.
	LogLevel string

	// AdminToken authenticates the admin API. Must start with "cnd_admin_".
	// Empty disables the admin API entirely.
	AdminToken string

	// SQLitePath is the database file for keys, deployments, pricing rules,
	// and committed spend. Default: "conduit.db".
	SQLitePath string

	// RedisURL enables the shared cache and rate limiter backends. Empty
	// falls back to in-process implementations.
	RedisURL string

	// ClickHouseDSN enables the ClickHouse request-log sink. Empty keeps
	// request logs on the structured logger only.
	ClickHouseDSN string

	// PricingFile is an optional JSON pricing table merged over the built-in
	// defaults at startup and on /admin/v1/pricing/reload.
	PricingFile string

	Cache     CacheConfig
	RateLimit RateLimitConfig
	Failover  FailoverConfig

	// Deployments bootstrapped from the YAML file. Persisted deployments from
	// earlier runs are loaded in addition to these.
	Deployments []DeploymentConfig

	// CORSOrigins is the list of allowed CORS origins; ["*"] allows any.
	CORSOrigins []string
}

// CacheConfig controls the exact-match response cache.
type CacheConfig struct {
	// Mode selects the backend: "redis", "memory", or "none". Default: "memory".
	Mode string

	// TTL for cached responses. Default: 1h.
	TTL time.Duration

	// Scope partitions the cache: "global" shares entries across keys,
	// "key" isolates per API key. Default: "global".
	Scope string

	// ChargePolicy decides what a cache hit costs the key: "free" or
	// "original" (the cost of the request that populated the entry).
	// Default: "free".
	ChargePolicy string

	// ExcludeExact lists model aliases that must never be cached.
	ExcludeExact []string

	// ExcludePatterns lists regexes matched against model aliases; matching
	// requests are never cached.
	ExcludePatterns []string
}

// RateLimitConfig sets the global default ceilings, applied to keys that do
// not carry their own. 0 disables a ceiling.
type RateLimitConfig struct {
	DefaultRPM int
	DefaultTPM int
}

// FailoverConfig controls deployment failover and health tracking.
type FailoverConfig struct {
	// AttemptTimeout caps each non-streaming upstream attempt. Default: 30s.
	AttemptTimeout time.Duration

	// FailureThreshold is the consecutive-failure count that benches a
	// deployment. Default: 3.
	FailureThreshold int

	// Cooldown is how long a benched deployment sits out. Default: 30s.
	Cooldown time.Duration
}

// DeploymentConfig is one bootstrapped deployment in config.yaml:
//
//	deployments:
//	  - name: openai-primary
//	    kind: openai
//	    model_alias: gpt-4o
//	    target_model: gpt-4o
//	    api_key_env: OPENAI_API_KEY
//	    priority: 1
type DeploymentConfig struct {
	Name        string `mapstructure:"name"`
	Kind        string `mapstructure:"kind"`
	ModelAlias  string `mapstructure:"model_alias"`
	TargetModel string `mapstructure:"target_model"`
	Endpoint    string `mapstructure:"endpoint"`
	APIKey      string `mapstructure:"api_key"`
	// APIKeyEnv names an env var holding the credential, so config.yaml can
	// stay free of secrets. Takes precedence over APIKey when set.
	APIKeyEnv string `mapstructure:"api_key_env"`
	Priority  int    `mapstructure:"priority"`
}

// Load reads configuration from the environment and (optionally) config.yaml.
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

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SQLITE_PATH", "conduit.db")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_SCOPE", "global")
	v.SetDefault("CACHE_CHARGE_POLICY", "free")

	v.SetDefault("DEFAULT_RPM_LIMIT", 0)
	v.SetDefault("DEFAULT_TPM_LIMIT", 0)

	v.SetDefault("ATTEMPT_TIMEOUT", "30s")
	v.SetDefault("HEALTH_FAILURE_THRESHOLD", 3)
	v.SetDefault("HEALTH_COOLDOWN", "30s")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		AdminToken:    v.GetString("ADMIN_TOKEN"),
		SQLitePath:    v.GetString("SQLITE_PATH"),
		RedisURL:      v.GetString("REDIS_URL"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		PricingFile:   v.GetString("PRICING_FILE"),

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			Scope:           strings.ToLower(v.GetString("CACHE_SCOPE")),
			ChargePolicy:    strings.ToLower(v.GetString("CACHE_CHARGE_POLICY")),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			DefaultRPM: v.GetInt("DEFAULT_RPM_LIMIT"),
			DefaultTPM: v.GetInt("DEFAULT_TPM_LIMIT"),
		},

		Failover: FailoverConfig{
			AttemptTimeout:   v.GetDuration("ATTEMPT_TIMEOUT"),
			FailureThreshold: v.GetInt("HEALTH_FAILURE_THRESHOLD"),
			Cooldown:         v.GetDuration("HEALTH_COOLDOWN"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := v.UnmarshalKey("deployments", &cfg.Deployments); err != nil {
		return nil, fmt.Errorf("config: parse deployments: %w", err)
	}
	for i := range cfg.Deployments {
		d := &cfg.Deployments[i]
		if d.APIKeyEnv != "" {
			d.APIKey = os.Getenv(d.APIKeyEnv)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.AdminToken != "" && !strings.HasPrefix(c.AdminToken, auth.AdminKeyPrefix) {
		return fmt.Errorf("config: ADMIN_TOKEN must start with %q", auth.AdminKeyPrefix)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; " +
			"set CACHE_MODE=memory to use the in-process cache")
	}

	switch c.Cache.Scope {
	case "global", "key":
	default:
		return fmt.Errorf("config: invalid CACHE_SCOPE %q; must be global or key", c.Cache.Scope)
	}

	switch c.Cache.ChargePolicy {
	case "free", "original":
	default:
		return fmt.Errorf("config: invalid CACHE_CHARGE_POLICY %q; must be free or original", c.Cache.ChargePolicy)
	}

	if c.Failover.FailureThreshold < 1 {
		return fmt.Errorf("config: HEALTH_FAILURE_THRESHOLD must be >= 1, got %d", c.Failover.FailureThreshold)
	}
	if c.Failover.Cooldown <= 0 {
		return fmt.Errorf("config: HEALTH_COOLDOWN must be a positive duration")
	}

	for i, d := range c.Deployments {
		if d.Name == "" || d.Kind == "" || d.ModelAlias == "" || d.TargetModel == "" {
			return fmt.Errorf("config: deployments[%d]: name, kind, model_alias, and target_model are required", i)
		}
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
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
