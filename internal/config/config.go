// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded into the
// process environment first when present.
//
// The relay can start with no external services at all: STORE_MODE=memory and
// CACHE_MODE=memory keep everything in-process, driven by an optional seed
// file. Redis and ClickHouse are opt-in.
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
	// Host and Port form the HTTP listen address. Defaults: "" and 8080.
	Host string
	Port int

	// Env is the deployment environment: "development" or "production".
	// Default: development.
	Env string

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// MasterEncryptionKey seals sub-provider API keys at rest. Mandatory in
	// production; in development a missing key disables encrypted key slots.
	MasterEncryptionKey string

	// Static vendor keys. A configured key becomes the fallback credential
	// for providers that run without per-slot keys. OpenAI additionally
	// powers the internal moderation pre-check.
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	Google     ProviderConfig
	Mistral    ProviderConfig
	XAI        ProviderConfig
	OpenRouter ProviderConfig
	Perplexity ProviderConfig
	Bedrock    BedrockConfig

	// Store selects the persistence backend for users, providers, and key
	// slots.
	Store StoreConfig

	// Redis holds the connection URL shared by the Redis store, the Redis
	// cache, and the rate limiter.
	Redis RedisConfig

	// ClickHouseURL enables the asynchronous accounting analytics sink.
	// Empty disables it; terminal records are then only kept in the store.
	ClickHouseURL string

	// Cache controls the response cache.
	Cache CacheConfig

	// Metrics controls the Prometheus registry.
	Metrics MetricsConfig

	// DefaultRPM is the requests-per-minute limit applied to users whose
	// plan does not set one. 0 disables the fallback limit.
	DefaultRPM int

	// SeedFile is a JSON fixture of users, providers, and sub-providers
	// applied to the store at boot. Empty skips seeding.
	SeedFile string

	// CORSOrigins is the list of allowed CORS origins; ["*"] allows any
	// origin (default). CORSCredentials adds Allow-Credentials, which only
	// takes effect with an explicit origin allowlist.
	CORSOrigins     []string
	CORSCredentials bool
}

// ProviderConfig holds the static credential for one vendor family.
type ProviderConfig struct {
	// APIKey is the vendor API key. Leave empty to rely on per-slot keys.
	APIKey string

	// BaseURL overrides the vendor's default API endpoint. Useful for local
	// mocks and development. Leave empty to use the default.
	BaseURL string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Configured reports whether the full credential triple is present.
func (b BedrockConfig) Configured() bool {
	return b.AccessKey != "" && b.SecretKey != "" && b.Region != ""
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Mode is "memory" (in-process, seed-driven) or "redis". Default: memory.
	Mode string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — In-process TTL cache. Not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact lists exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against model
	// names; a match disables caching for the request.
	ExcludePatterns []string
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	// Enabled exposes GET /metrics. Default: true.
	Enabled bool

	// Prefix is prepended to every metric name. Empty keeps the canonical
	// names.
	Prefix string

	// DefaultMetrics registers the Go runtime and process collectors.
	// Default: false.
	DefaultMetrics bool
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
	v.SetDefault("HOST", "")
	v.SetDefault("PORT", 8080)
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PREFIX", "")
	v.SetDefault("COLLECT_DEFAULT_METRICS", false)

	v.SetDefault("DEFAULT_RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGIN", []string{"*"})
	v.SetDefault("CORS_CREDENTIALS", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		Env:      strings.ToLower(v.GetString("NODE_ENV")),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		MasterEncryptionKey: v.GetString("MASTER_ENCRYPTION_KEY"),

		OpenAI:     ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic:  ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Google:     ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GOOGLE_BASE_URL")},
		Mistral:    ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},
		OpenRouter: ProviderConfig{APIKey: v.GetString("OPENROUTER_API_KEY"), BaseURL: v.GetString("OPENROUTER_BASE_URL")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY"), BaseURL: v.GetString("PERPLEXITY_BASE_URL")},

		Bedrock: BedrockConfig{
			AccessKey: v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
			Region:    v.GetString("AWS_REGION"),
		},

		Store: StoreConfig{Mode: strings.ToLower(v.GetString("STORE_MODE"))},
		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Metrics: MetricsConfig{
			Enabled:        v.GetBool("METRICS_ENABLED"),
			Prefix:         v.GetString("METRICS_PREFIX"),
			DefaultMetrics: v.GetBool("COLLECT_DEFAULT_METRICS"),
		},

		DefaultRPM: v.GetInt("DEFAULT_RPM_LIMIT"),

		SeedFile: v.GetString("SEED_FILE"),

		CORSOrigins:     v.GetStringSlice("CORS_ORIGIN"),
		CORSCredentials: v.GetBool("CORS_CREDENTIALS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ListenAddr joins host and port into the server's listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Production reports whether the relay runs in production mode.
func (c *Config) Production() bool { return c.Env == "production" }

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.Env {
	case "development", "production":
	default:
		return fmt.Errorf("config: invalid NODE_ENV %q; must be development or production", c.Env)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	if c.Production() && c.MasterEncryptionKey == "" {
		return errors.New("config: MASTER_ENCRYPTION_KEY is required when NODE_ENV=production")
	}

	switch c.Store.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be memory or redis", c.Store.Mode)
	}
	if c.Store.Mode == "redis" && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when STORE_MODE=redis")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when CACHE_MODE=redis; set CACHE_MODE=memory to use the built-in in-process cache")
	}
	if c.Cache.Mode != "none" && c.Cache.TTL <= 0 {
		return errors.New("config: CACHE_TTL must be a positive duration")
	}

	if c.Store.Mode == "memory" && c.SeedFile == "" && c.Production() {
		return errors.New("config: STORE_MODE=memory in production requires SEED_FILE")
	}

	if c.DefaultRPM < 0 {
		return fmt.Errorf("config: DEFAULT_RPM_LIMIT must be >= 0, got %d", c.DefaultRPM)
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
