// Package registry holds the runtime provider and sub-provider records the
// load balancer selects from. Records are loaded from the persistent stores
// at boot and mutated in place by request outcomes; every mutable structure
// is guarded per entity so concurrent requests never lose counts.
package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Health statuses reported by the background checker.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Capabilities is the set of API surfaces a provider family serves.
type Capabilities struct {
	Chat       bool `json:"chat"`
	Audio      bool `json:"audio"`
	Embeddings bool `json:"embeddings"`
	Images     bool `json:"images"`
	Moderation bool `json:"moderation"`
}

// ProviderLimits are vendor-family level caps. Zero means uncapped.
type ProviderLimits struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	MaxConcurrent     int `json:"max_concurrent,omitempty"`
}

// Provider is one vendor family (openai, anthropic, …). The exported fields
// are the persisted configuration; runtime metrics live behind the accessors.
type Provider struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	BaseURL           string          `json:"base_url,omitempty"`
	Enabled           bool            `json:"enabled"`
	NeedsSubProviders bool            `json:"needs_sub_providers"`
	Models            []string        `json:"models"`
	Capabilities      Capabilities    `json:"capabilities"`
	Limits            ProviderLimits  `json:"limits"`
	Features          map[string]bool `json:"features,omitempty"`

	mu           sync.Mutex
	successCount int64
	errorCount   int64
	latency      latencyWindow
	reqWindow    []time.Time
	healthStatus string
	probeOK      int64
	probeTotal   int64

	concurrent atomic.Int64
}

// SupportsModel reports whether the provider serves the model.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// RecordSuccess folds one successful attempt into the aggregate metrics.
func (p *Provider) RecordSuccess(latencyMs float64) {
	p.mu.Lock()
	p.successCount++
	p.latency.Record(latencyMs)
	p.recordRequestLocked(time.Now())
	p.mu.Unlock()
}

// RecordError folds one failed attempt into the aggregate metrics.
func (p *Provider) RecordError(latencyMs float64) {
	p.mu.Lock()
	p.errorCount++
	if latencyMs > 0 {
		p.latency.Record(latencyMs)
	}
	p.recordRequestLocked(time.Now())
	p.mu.Unlock()
}

func (p *Provider) recordRequestLocked(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	i := 0
	for i < len(p.reqWindow) && p.reqWindow[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(p.reqWindow, p.reqWindow[i:])
		p.reqWindow = p.reqWindow[:n]
	}
	p.reqWindow = append(p.reqWindow, now)
}

// IncConcurrent / DecConcurrent track in-flight requests on the family.
func (p *Provider) IncConcurrent() { p.concurrent.Add(1) }

func (p *Provider) DecConcurrent() {
	if p.concurrent.Add(-1) < 0 {
		p.concurrent.Store(0)
	}
}

// Concurrent returns the in-flight request gauge.
func (p *Provider) Concurrent() int64 { return p.concurrent.Load() }

// HealthStatus returns the checker-reported status, defaulting to healthy
// before the first probe.
func (p *Provider) HealthStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthStatus == "" {
		return HealthHealthy
	}
	return p.healthStatus
}

// SetHealthStatus records a probe outcome from the background checker.
func (p *Provider) SetHealthStatus(status string) {
	p.mu.Lock()
	p.healthStatus = status
	p.probeTotal++
	if status != HealthUnhealthy {
		p.probeOK++
	}
	p.mu.Unlock()
}

// ProviderStats is a point-in-time snapshot consumed by the health scorer.
type ProviderStats struct {
	SuccessRate   float64
	P50           float64
	P95           float64
	P99           float64
	AvgLatency    float64
	HealthStatus  string
	UptimePercent float64
	RPS           float64
	Utilization   float64
}

// Stats snapshots the aggregate metrics. Success rate and uptime default to
// their optimistic values when there is no data yet, so fresh providers are
// selectable.
func (p *Provider) Stats() ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := ProviderStats{SuccessRate: 1, UptimePercent: 100, HealthStatus: p.healthStatus}
	if st.HealthStatus == "" {
		st.HealthStatus = HealthHealthy
	}

	if total := p.successCount + p.errorCount; total > 0 {
		st.SuccessRate = float64(p.successCount) / float64(total)
	}
	if p.probeTotal > 0 {
		st.UptimePercent = 100 * float64(p.probeOK) / float64(p.probeTotal)
	}

	lat := p.latency.Snapshot()
	st.P50, st.P95, st.P99, st.AvgLatency = lat.P50, lat.P95, lat.P99, lat.Avg

	cutoff := time.Now().Add(-rollingWindow)
	n := 0
	for _, t := range p.reqWindow {
		if !t.Before(cutoff) {
			n++
		}
	}
	st.RPS = float64(n) / rollingWindow.Seconds()

	st.Utilization = p.utilizationLocked(n)
	return st
}

func (p *Provider) utilizationLocked(windowCount int) float64 {
	util := 0.0
	if p.Limits.RequestsPerMinute > 0 {
		if u := float64(windowCount) / float64(p.Limits.RequestsPerMinute); u > util {
			util = u
		}
	}
	if p.Limits.MaxConcurrent > 0 {
		if u := float64(p.concurrent.Load()) / float64(p.Limits.MaxConcurrent); u > util {
			util = u
		}
	}
	if util > 1 {
		util = 1
	}
	return util
}

// Counts returns the running success/error totals.
func (p *Provider) Counts() (success, failure int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successCount, p.errorCount
}
