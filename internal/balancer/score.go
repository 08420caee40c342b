package balancer

import "github.com/nulpointcorp/llm-relay/internal/registry"

// Latency normalization caps in milliseconds. A latency at or beyond the cap
// scores zero.
const (
	p50Cap = 3000
	p95Cap = 8000
	avgCap = 5000
)

// cappedScore maps a latency into [0,1]: 1 at zero, linearly down to 0 at cap.
func cappedScore(x, cap float64) float64 {
	s := 1 - x/cap
	if s < 0 {
		return 0
	}
	return s
}

// scoreProvider computes the composite provider score in [0,1]:
// 0.25 success rate, 0.25 latency, 0.15 health, 0.05 uptime,
// 0.1 throughput, 0.05 capacity headroom, 0.05 latency consistency.
func scoreProvider(st registry.ProviderStats) float64 {
	latency := 0.4*cappedScore(st.P50, p50Cap) +
		0.4*cappedScore(st.P95, p95Cap) +
		0.2*cappedScore(st.AvgLatency, avgCap)

	spread := st.P95 - st.P50
	if spread < 0 {
		spread = -spread
	}
	consistency := 1 - spread/1000
	if consistency < 0 {
		consistency = 0
	}

	health := 0.0
	switch st.HealthStatus {
	case registry.HealthHealthy:
		health = 1
	case registry.HealthDegraded:
		health = 0.5
	}

	throughput := st.RPS / 100
	if throughput > 1 {
		throughput = 1
	}

	capacity := 1 - st.Utilization
	if capacity < 0 {
		capacity = 0
	}

	return 0.25*st.SuccessRate +
		0.25*latency +
		0.15*health +
		0.05*st.UptimePercent/100 +
		0.1*throughput +
		0.05*capacity +
		0.05*consistency
}

// scoreSub computes the composite sub-provider score in [0,1]:
// 0.25 success rate, 0.25 latency, 0.15 health score, 0.15 availability,
// 0.2 capacity headroom (worst of RPM, TPM with the pending estimate, and
// concurrency utilization).
func scoreSub(st registry.SubStats, utilization float64) float64 {
	latency := cappedScore(st.AvgLatency, avgCap)

	capacity := 1 - utilization
	if capacity < 0 {
		capacity = 0
	}

	avail := 0.0
	if st.Available {
		avail = 1
	}

	return 0.25*st.SuccessRate +
		0.25*latency +
		0.15*st.HealthScore +
		0.15*avail +
		0.2*capacity
}
