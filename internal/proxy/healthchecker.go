package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/registry"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// HealthChecker periodically probes every active provider through one of its
// adapter slots and feeds the outcome back into the registry, where the
// balancer's scorer consumes it. A first failed probe degrades the provider;
// a repeat takes it out of rotation until a probe succeeds again.
type HealthChecker struct {
	reg        *registry.Registry
	factory    *adapters.Factory
	storeReady func() bool
	cacheReady func() bool
	met        *metrics.Registry
	log        *slog.Logger
	baseCtx    context.Context

	mu          sync.RWMutex
	cacheStatus string
	storeStatus string

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates the checker and starts the probe loop. The first
// probe runs synchronously so /health never reports unknown. storeReady and
// cacheReady may be nil (treated as ok).
func NewHealthChecker(
	ctx context.Context,
	reg *registry.Registry,
	factory *adapters.Factory,
	storeReady, cacheReady func() bool,
	met *metrics.Registry,
	log *slog.Logger,
) *HealthChecker {
	if log == nil {
		log = slog.Default()
	}
	hc := &HealthChecker{
		reg:        reg,
		factory:    factory,
		storeReady: storeReady,
		cacheReady: cacheReady,
		met:        met,
		log:        log.With(slog.String("component", "healthchecker")),
		baseCtx:    ctx,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()
	return hc
}

// HealthSnapshot is the GET /health payload.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Store         string            `json:"store"`
}

// Snapshot assembles the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string)
	for _, p := range hc.reg.ActiveProviders() {
		st := p.HealthStatus()
		provs[p.Name] = st
		if st != registry.HealthHealthy {
			overall = "degraded"
		}
	}

	hc.mu.RLock()
	cache, store := hc.cacheStatus, hc.storeStatus
	hc.mu.RUnlock()
	if store == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cache,
		Store:         store,
	}
}

// ReadinessOK reports whether the persistent store is reachable.
func (hc *HealthChecker) ReadinessOK() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.storeStatus != "down"
}

// Close stops the probe loop.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hc.reg.ActiveProviders() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			hc.probeProvider(ctx, p)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		cache := "ok"
		if hc.cacheReady != nil && !hc.cacheReady() {
			cache = "degraded"
		}
		store := "ok"
		if hc.storeReady != nil && !hc.storeReady() {
			store = "down"
		}
		hc.mu.Lock()
		hc.cacheStatus, hc.storeStatus = cache, store
		hc.mu.Unlock()
	}()

	wg.Wait()
}

// probeProvider runs one health check through the provider's adapter.
// Failure degrades the provider; a repeat failure takes it out of rotation.
func (hc *HealthChecker) probeProvider(ctx context.Context, p *registry.Provider) {
	ad, err := hc.adapterFor(p)
	if err == nil {
		err = ad.HealthCheck(ctx)
	}

	status := registry.HealthHealthy
	if err != nil {
		status = registry.HealthDegraded
		if prev := p.HealthStatus(); prev != registry.HealthHealthy {
			status = registry.HealthUnhealthy
		}
		hc.log.Warn("provider probe failed",
			slog.String("provider", p.Name),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
	p.SetHealthStatus(status)
	if hc.met != nil {
		hc.met.SetProviderHealth(p.Name, status)
	}
}

// adapterFor borrows an adapter through any enabled key slot, or the provider
// directly when it has no sub-providers.
func (hc *HealthChecker) adapterFor(p *registry.Provider) (adapters.Adapter, error) {
	if !p.NeedsSubProviders {
		return hc.factory.GetOrCreate(p, nil)
	}
	var lastErr error
	for _, sub := range hc.reg.SubProvidersOf(p.ID) {
		if !sub.Available() {
			continue
		}
		ad, err := hc.factory.GetOrCreate(p, sub)
		if err == nil {
			return ad, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errNoProbeSlot
	}
	return nil, lastErr
}

var errNoProbeSlot = errors.New("no enabled sub-provider to probe through")
