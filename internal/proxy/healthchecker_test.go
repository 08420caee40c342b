package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/registry"
)

func newProbeTarget(t *testing.T, fail *atomic.Bool) (*registry.Registry, *adapters.Factory, *registry.Provider) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	fac := adapters.NewFactory(nil, log)
	t.Cleanup(fac.Close)

	p := &registry.Provider{
		ID:                "p1",
		Name:              "probed",
		Enabled:           true,
		NeedsSubProviders: true,
		Models:            []string{"test-model"},
		Capabilities:      registry.Capabilities{Chat: true},
	}
	reg.UpsertProvider(p)
	reg.UpsertSubProvider(&registry.SubProvider{ID: "s1", ProviderID: "p1", Enabled: true})

	fac.SetStaticKey("probed", "sk-upstream")
	fac.Register("probed", func(cfg adapters.Config) (adapters.Adapter, error) {
		base, err := adapters.NewBase("probed", cfg, adapters.OpChat)
		if err != nil {
			return nil, err
		}
		return &testAdapter{Base: base, health: func(ctx context.Context) error {
			if fail.Load() {
				return errors.New("probe refused")
			}
			return nil
		}}, nil
	})
	return reg, fac, p
}

func TestHealthChecker_FailureDegradesThenRemoves(t *testing.T) {
	var fail atomic.Bool
	reg, fac, p := newProbeTarget(t, &fail)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	hc := NewHealthChecker(context.Background(), reg, fac, nil, nil, nil, log)
	t.Cleanup(hc.Close)

	// The constructor runs the first probe synchronously.
	if st := p.HealthStatus(); st != registry.HealthHealthy {
		t.Fatalf("initial status = %q", st)
	}
	snap := hc.Snapshot()
	if snap.Status != "ok" || snap.Providers["probed"] != registry.HealthHealthy {
		t.Fatalf("snapshot = %+v", snap)
	}

	fail.Store(true)
	hc.probe()
	if st := p.HealthStatus(); st != registry.HealthDegraded {
		t.Fatalf("status after one failure = %q, want degraded", st)
	}
	if snap := hc.Snapshot(); snap.Status != "degraded" {
		t.Fatalf("snapshot status = %q, want degraded", snap.Status)
	}

	hc.probe()
	if st := p.HealthStatus(); st != registry.HealthUnhealthy {
		t.Fatalf("status after repeat failure = %q, want unhealthy", st)
	}

	fail.Store(false)
	hc.probe()
	if st := p.HealthStatus(); st != registry.HealthHealthy {
		t.Fatalf("status after recovery = %q, want healthy", st)
	}
}

func TestHealthChecker_StoreOutageGatesReadiness(t *testing.T) {
	var storeUp atomic.Bool
	storeUp.Store(true)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fac := adapters.NewFactory(nil, log)
	t.Cleanup(fac.Close)

	hc := NewHealthChecker(context.Background(), registry.New(), fac,
		func() bool { return storeUp.Load() }, nil, nil, log)
	t.Cleanup(hc.Close)

	if !hc.ReadinessOK() {
		t.Fatalf("readiness should pass while the store is reachable")
	}

	storeUp.Store(false)
	hc.probe()
	if hc.ReadinessOK() {
		t.Fatalf("readiness should fail while the store is down")
	}
	snap := hc.Snapshot()
	if snap.Store != "down" || snap.Status != "degraded" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
