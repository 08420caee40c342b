package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limits are the per-key caps of one sub-provider. Zero means uncapped.
type Limits struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int `json:"requests_per_hour,omitempty"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty"`
	MaxConcurrent     int `json:"max_concurrent,omitempty"`
}

// SubProvider is one concrete API-key slot inside a provider family. The
// exported fields are the persisted configuration; the capacity windows,
// metrics, and circuit breaker are runtime state guarded per entity.
// Runtime mutation goes through the methods; always pass *SubProvider.
type SubProvider struct {
	ID           string            `json:"id"`
	ProviderID   string            `json:"provider_id"`
	Name         string            `json:"name"`
	Enabled      bool              `json:"enabled"`
	Priority     int               `json:"priority"`
	Weight       float64           `json:"weight"`
	EncryptedKey string            `json:"encrypted_key"`
	BaseURL      string            `json:"base_url,omitempty"`
	ModelMapping map[string]string `json:"model_mapping,omitempty"`
	Limits       Limits            `json:"limits"`

	mu            sync.Mutex
	requestWindow []time.Time
	tokenWindow   []tokenEntry
	tokenSum      int
	hourStart     time.Time
	hourCount     int
	lastReset     time.Time
	concurrent    atomic.Int64

	successCount int64
	errorCount   int64
	avgLatency   float64

	breaker breaker
}

// SupportsModel reports whether this key slot can serve the model. An empty
// mapping inherits the parent provider's model list, which the balancer has
// already checked.
func (s *SubProvider) SupportsModel(model string) bool {
	if len(s.ModelMapping) == 0 {
		return true
	}
	_, ok := s.ModelMapping[model]
	return ok
}

// UpstreamModel translates the incoming model name to the upstream one.
func (s *SubProvider) UpstreamModel(model string) string {
	if mapped, ok := s.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// Available reports whether the slot may take traffic:
// enabled, breaker closed or half-open, health score above 0.7.
// Checking an open breaker whose cooldown elapsed moves it to half-open.
func (s *SubProvider) Available() bool {
	s.mu.Lock()
	enabled := s.Enabled
	s.mu.Unlock()

	return enabled && s.breaker.Available() && s.HealthScore() > healthFloor
}

// healthFloor is the minimum health score for selection.
const healthFloor = 0.7

// HealthScore derives the [0,1] health of the slot: 0 while the breaker is
// open, otherwise degrading 0.025 per consecutive error down to 0.75, so a
// degrading slot stays selectable until the breaker trips.
func (s *SubProvider) HealthScore() float64 {
	if s.breaker.State() == BreakerOpen {
		return 0
	}
	streak := s.breaker.Consecutive()
	if streak > 10 {
		streak = 10
	}
	return 1 - 0.025*float64(streak)
}

// SetEnabled flips the slot on or off at runtime.
func (s *SubProvider) SetEnabled(v bool) {
	s.mu.Lock()
	s.Enabled = v
	s.mu.Unlock()
}

// RecordSuccess folds a successful attempt into the metrics and closes the
// breaker.
func (s *SubProvider) RecordSuccess(latencyMs float64) {
	s.mu.Lock()
	s.successCount++
	s.foldLatencyLocked(latencyMs)
	s.mu.Unlock()

	s.breaker.RecordSuccess()
}

// RecordFailure folds a health-relevant failure into the metrics and drives
// the breaker. Excluded-class failures must not reach here.
func (s *SubProvider) RecordFailure(latencyMs float64) {
	s.mu.Lock()
	s.errorCount++
	if latencyMs > 0 {
		s.foldLatencyLocked(latencyMs)
	}
	s.mu.Unlock()

	s.breaker.RecordFailure()
}

func (s *SubProvider) foldLatencyLocked(ms float64) {
	if ms <= 0 {
		return
	}
	n := float64(s.successCount + s.errorCount)
	if n <= 1 {
		s.avgLatency = ms
		return
	}
	s.avgLatency += (ms - s.avgLatency) / n
}

// BreakerState returns the circuit breaker state.
func (s *SubProvider) BreakerState() BreakerState { return s.breaker.State() }

// ConsecutiveErrors returns the current failure streak.
func (s *SubProvider) ConsecutiveErrors() int { return s.breaker.Consecutive() }

// Counts returns the running success/error totals.
func (s *SubProvider) Counts() (success, failure int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successCount, s.errorCount
}

// SubStats is a point-in-time snapshot consumed by the health scorer.
type SubStats struct {
	SuccessRate float64
	AvgLatency  float64
	HealthScore float64
	Available   bool
}

// Stats snapshots the slot metrics. Success rate defaults to 1 with no data
// so fresh slots are selectable. The availability flag here is side-effect
// free: it does not advance the breaker.
func (s *SubProvider) Stats() SubStats {
	s.mu.Lock()
	success, failure := s.successCount, s.errorCount
	avg := s.avgLatency
	enabled := s.Enabled
	s.mu.Unlock()

	st := SubStats{SuccessRate: 1, AvgLatency: avg}
	if total := success + failure; total > 0 {
		st.SuccessRate = float64(success) / float64(total)
	}
	st.HealthScore = s.HealthScore()

	state := s.breaker.State()
	st.Available = enabled && state != BreakerOpen && st.HealthScore > healthFloor
	return st
}
