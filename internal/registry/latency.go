package registry

import "sort"

// latencySamples bounds the rolling latency ring per provider.
const latencySamples = 100

// latencyWindow keeps the last latencySamples observations and computes
// percentiles on demand. Zero value is ready to use.
type latencyWindow struct {
	samples [latencySamples]float64
	next    int
	count   int
}

func (w *latencyWindow) Record(ms float64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencySamples
	if w.count < latencySamples {
		w.count++
	}
}

// LatencySnapshot carries rolling percentiles in milliseconds.
type LatencySnapshot struct {
	P50, P95, P99, Avg float64
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	if w.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]float64, w.count)
	copy(sorted, w.samples[:w.count])
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return LatencySnapshot{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
		Avg: sum / float64(w.count),
	}
}

// percentile returns the nearest-rank percentile of a sorted sample set.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
