package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/accounting"
	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/adapters/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/adapters/bedrock"
	"github.com/nulpointcorp/llm-relay/internal/adapters/google"
	"github.com/nulpointcorp/llm-relay/internal/adapters/mistral"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openai"
	"github.com/nulpointcorp/llm-relay/internal/adapters/openrouter"
	"github.com/nulpointcorp/llm-relay/internal/adapters/perplexity"
	"github.com/nulpointcorp/llm-relay/internal/adapters/xai"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	npCache "github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/moderation"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/registry"
	"github.com/nulpointcorp/llm-relay/internal/secrets"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// initInfra establishes optional external connections. Redis serves the
// store, the cache, and the rate limiter; ClickHouse serves the accounting
// analytics sink.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseURL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouseURL)))
		ch, err := accounting.OpenClickHouse(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.ch = ch
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initStores selects the persistence backend and applies the seed fixture.
func (a *App) initStores(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "redis":
		rs := store.NewRedis(a.rdb)
		a.users, a.provStore, a.subStore = rs, rs, rs
		a.log.Info("store backend: redis")
	default:
		mem := store.NewMemory()
		a.users, a.provStore, a.subStore = mem, mem, mem
		a.log.Info("store backend: memory (in-process)")
	}

	if a.cfg.SeedFile != "" {
		seed, err := store.ReadSeed(a.cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, a.users, a.provStore, a.subStore); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		a.log.Info("seed applied",
			slog.String("file", a.cfg.SeedFile),
			slog.Int("users", len(seed.Users)),
			slog.Int("providers", len(seed.Providers)),
			slog.Int("sub_providers", len(seed.SubProviders)))
	}

	return nil
}

// initRegistry loads the provider catalog and applies configured base URL
// overrides for local development against mock upstreams.
func (a *App) initRegistry(ctx context.Context) error {
	a.reg = registry.New()
	if err := a.reg.Load(ctx, a.provStore, a.subStore); err != nil {
		return err
	}

	overrides := map[string]string{
		"openai":     a.cfg.OpenAI.BaseURL,
		"anthropic":  a.cfg.Anthropic.BaseURL,
		"google":     a.cfg.Google.BaseURL,
		"mistral":    a.cfg.Mistral.BaseURL,
		"xai":        a.cfg.XAI.BaseURL,
		"openrouter": a.cfg.OpenRouter.BaseURL,
		"perplexity": a.cfg.Perplexity.BaseURL,
	}
	for name, url := range overrides {
		if url == "" {
			continue
		}
		if p, ok := a.reg.ProviderByName(name); ok && p.BaseURL == "" {
			p.BaseURL = url
		}
	}

	return nil
}

// initAdapters builds the keybox and the adapter factory, registers every
// vendor constructor, and installs static fallback keys from the environment.
func (a *App) initAdapters(_ context.Context) error {
	var box *secrets.Keybox
	if a.cfg.MasterEncryptionKey != "" {
		b, err := secrets.New(a.cfg.MasterEncryptionKey)
		if err != nil {
			return err
		}
		box = b
	}

	a.fac = adapters.NewFactory(box, a.log)

	a.fac.Register("openai", openai.New)
	a.fac.Register("anthropic", anthropic.New)
	a.fac.Register("google", google.New)
	a.fac.Register("mistral", mistral.New)
	a.fac.Register("bedrock", bedrock.New)
	a.fac.Register("xai", xai.New)
	a.fac.Register("openrouter", openrouter.New)
	a.fac.Register("perplexity", perplexity.New)

	statics := map[string]string{
		"openai":     a.cfg.OpenAI.APIKey,
		"anthropic":  a.cfg.Anthropic.APIKey,
		"google":     a.cfg.Google.APIKey,
		"mistral":    a.cfg.Mistral.APIKey,
		"xai":        a.cfg.XAI.APIKey,
		"openrouter": a.cfg.OpenRouter.APIKey,
		"perplexity": a.cfg.Perplexity.APIKey,
	}
	if a.cfg.Bedrock.Configured() {
		statics["bedrock"] = fmt.Sprintf("%s:%s@%s",
			a.cfg.Bedrock.AccessKey, a.cfg.Bedrock.SecretKey, a.cfg.Bedrock.Region)
	}
	n := 0
	for name, key := range statics {
		if key != "" {
			a.fac.SetStaticKey(name, key)
			n++
		}
	}
	a.log.Info("adapters registered", slog.Int("static_keys", n))

	return nil
}

// initServices creates everything between the registry and the HTTP surface.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		a.met = metrics.New(metrics.Options{
			Prefix:         a.cfg.Metrics.Prefix,
			DefaultMetrics: a.cfg.Metrics.DefaultMetrics,
		})
	}

	bal := balancer.New(a.reg, a.log, a.met)
	a.disp = dispatch.New(bal, a.fac, a.log, a.met)

	if a.ch != nil {
		a.sink = accounting.NewSink(a.baseCtx, a.ch, a.met, a.log)
	}
	a.acct = accounting.NewService(accounting.NewMemoryStore(), a.sink, nil, a.log)

	if a.cfg.OpenAI.APIKey != "" {
		a.mod = moderation.New(moderation.Config{
			APIKey:  a.cfg.OpenAI.APIKey,
			BaseURL: a.cfg.OpenAI.BaseURL,
			Log:     a.log,
		})
		a.log.Info("moderation pre-check enabled")
	} else {
		a.log.Warn("moderation pre-check disabled: OPENAI_API_KEY not set")
	}

	if a.rdb != nil {
		a.limiter = ratelimit.NewUserLimiter(a.rdb, a.cfg.DefaultRPM)
		a.log.Info("rate limiting enabled", slog.Int("default_rpm", a.cfg.DefaultRPM))
	}

	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImp = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.cacheImp = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.excl = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	return nil
}

// initServer starts the health prober and assembles the HTTP server.
func (a *App) initServer(_ context.Context) error {
	var storeReady, cacheReady func() bool
	if a.rdb != nil && a.cfg.Store.Mode == "redis" {
		storeReady = redisPinger(a.baseCtx, a.rdb)
	}
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}

	a.hc = proxy.NewHealthChecker(a.baseCtx, a.reg, a.fac, storeReady, cacheReady, a.met, a.log)

	a.srv = proxy.NewServer(a.baseCtx, proxy.Options{
		Log:             a.log,
		Registry:        a.reg,
		Dispatcher:      a.disp,
		Users:           a.users,
		Accounting:      a.acct,
		Moderation:      a.mod,
		Limiter:         a.limiter,
		Cache:           a.cacheImp,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExcl:       a.excl,
		Metrics:         a.met,
		Health:          a.hc,
		CORSOrigins:     a.cfg.CORSOrigins,
		CORSCredentials: a.cfg.CORSCredentials,
	})

	return nil
}
