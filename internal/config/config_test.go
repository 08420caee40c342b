package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Host != "" {
		t.Errorf("listen = %q:%d, want :8080", cfg.Host, cfg.Port)
	}
	if cfg.Env != "development" || cfg.Production() {
		t.Errorf("env = %q", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Store.Mode != "memory" {
		t.Errorf("store mode = %q", cfg.Store.Mode)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != time.Hour {
		t.Errorf("cache = %q / %v", cfg.Cache.Mode, cfg.Cache.TTL)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.DefaultMetrics {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors origins = %v", cfg.CORSOrigins)
	}
	if cfg.ListenAddr() != ":8080" {
		t.Errorf("listen addr = %q", cfg.ListenAddr())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CACHE_MODE", "none")
	t.Setenv("DEFAULT_RPM_LIMIT", "120")
	t.Setenv("OPENAI_API_KEY", "sk-static")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:9090" {
		t.Errorf("listen addr = %q", cfg.ListenAddr())
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want lowercased", cfg.LogLevel)
	}
	if cfg.Cache.Mode != "none" {
		t.Errorf("cache mode = %q", cfg.Cache.Mode)
	}
	if cfg.DefaultRPM != 120 {
		t.Errorf("default rpm = %d", cfg.DefaultRPM)
	}
	if cfg.OpenAI.APIKey != "sk-static" {
		t.Errorf("openai key not picked up")
	}
}

func TestLoad_ProductionRequiresMasterKey(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("SEED_FILE", "seed.json")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MASTER_ENCRYPTION_KEY") {
		t.Fatalf("err = %v, want a master key requirement", err)
	}

	t.Setenv("MASTER_ENCRYPTION_KEY", "correct horse battery staple")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with master key: %v", err)
	}
	if !cfg.Production() {
		t.Errorf("expected production mode")
	}
}

func TestLoad_ProductionMemoryStoreNeedsSeed(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("MASTER_ENCRYPTION_KEY", "k")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SEED_FILE") {
		t.Fatalf("err = %v, want a seed file requirement", err)
	}
}

func TestLoad_RedisRequiredForRedisModes(t *testing.T) {
	t.Setenv("STORE_MODE", "redis")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("store mode err = %v", err)
	}

	t.Setenv("STORE_MODE", "memory")
	t.Setenv("CACHE_MODE", "redis")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("cache mode err = %v", err)
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with redis url: %v", err)
	}
}

func TestLoad_RejectsInvalidEnums(t *testing.T) {
	cases := map[string][2]string{
		"log level":  {"LOG_LEVEL", "verbose"},
		"cache mode": {"CACHE_MODE", "disk"},
		"store mode": {"STORE_MODE", "mongo"},
		"node env":   {"NODE_ENV", "staging"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected a validation error for %s=%s", kv[0], kv[1])
			}
		})
	}
}
