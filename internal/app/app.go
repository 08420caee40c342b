// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse when configured)
//  2. initStores   — user/provider/sub-provider persistence + seed fixture
//  3. initRegistry — load the provider catalog into the runtime registry
//  4. initAdapters — keybox, adapter factory, vendor registration
//  5. initServices — metrics, balancer, dispatcher, accounting, moderation,
//     rate limiter, cache
//  6. initServer   — health checker + the HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/accounting"
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	npCache "github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/moderation"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client
	ch  *accounting.ClickHouse

	users     store.UserStore
	provStore store.ProviderStore
	subStore  store.SubProviderStore

	reg *registry.Registry
	fac *adapters.Factory

	met      *metrics.Registry
	disp     *dispatch.Dispatcher
	sink     *accounting.Sink
	acct     *accounting.Service
	mod      *moderation.Checker
	limiter  *ratelimit.UserLimiter
	memCache *npCache.MemoryCache
	cacheImp npCache.Cache
	excl     *npCache.ExclusionList

	hc  *proxy.HealthChecker
	srv *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"stores", a.initStores},
		{"registry", a.initRegistry},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.ListenAddr()

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.reg.ActiveProviders())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.hc != nil {
		a.hc.Close()
		a.hc = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("sink close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.fac != nil {
		a.fac.Close()
		a.fac = nil
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.ch = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
