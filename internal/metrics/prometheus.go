// Package metrics provides the Prometheus registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Options controls registry construction.
type Options struct {
	// Prefix is prepended to every metric name (prometheus namespace).
	// Empty keeps the canonical names.
	Prefix string

	// DefaultMetrics registers the Go runtime and process collectors.
	DefaultMetrics bool
}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// http_requests_total{method,path,status}
	httpRequestsTotal *prometheus.CounterVec

	// http_request_duration_seconds{method,path}
	httpDuration *prometheus.HistogramVec

	// provider_requests_total{provider,status}
	providerRequests *prometheus.CounterVec

	// provider_tokens_total{provider,type}
	providerTokens *prometheus.CounterVec

	// provider_latency_p{50,95,99}_milliseconds{provider}
	latencyP50 *prometheus.GaugeVec
	latencyP95 *prometheus.GaugeVec
	latencyP99 *prometheus.GaugeVec

	// provider_consecutive_errors{provider,sub_provider}
	consecutiveErrors *prometheus.GaugeVec

	// provider_health_status{provider} — 1=healthy, 0.5=degraded, 0=unhealthy
	providerHealth *prometheus.GaugeVec

	// active_connections
	activeConnections prometheus.Gauge

	// queue_size{queue}
	queueSize *prometheus.GaugeVec

	// errors_total{type}
	errorsTotal *prometheus.CounterVec

	// cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with the canonical metric names.
func New(opts Options) *Registry {
	reg := prometheus.NewRegistry()

	if opts.DefaultMetrics {
		reg.MustRegister(prometheus.NewGoCollector())
		reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	ns := opts.Prefix

	r := &Registry{
		reg: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"method", "path"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "provider_requests_total",
				Help:      "Total upstream provider requests by outcome",
			},
			[]string{"provider", "status"},
		),

		providerTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "provider_tokens_total",
				Help:      "Token usage per provider and direction",
			},
			[]string{"provider", "type"},
		),

		latencyP50: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_latency_p50_milliseconds",
				Help:      "Provider latency p50 over the rolling sample window",
			},
			[]string{"provider"},
		),

		latencyP95: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_latency_p95_milliseconds",
				Help:      "Provider latency p95 over the rolling sample window",
			},
			[]string{"provider"},
		),

		latencyP99: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_latency_p99_milliseconds",
				Help:      "Provider latency p99 over the rolling sample window",
			},
			[]string{"provider"},
		),

		consecutiveErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_consecutive_errors",
				Help:      "Consecutive counted errors per sub-provider",
			},
			[]string{"provider", "sub_provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_health_status",
				Help:      "Provider health (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_connections",
			Help:      "Current number of in-flight HTTP requests",
		}),

		queueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "queue_size",
				Help:      "Depth of internal work queues",
			},
			[]string{"queue"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_total",
				Help:      "Total errors by type",
			},
			[]string{"type"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_operations_total",
				Help:      "Response cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "ratelimit_total",
				Help:      "Rate limit decisions",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		r.httpRequestsTotal,
		r.httpDuration,
		r.providerRequests,
		r.providerTokens,
		r.latencyP50,
		r.latencyP95,
		r.latencyP99,
		r.consecutiveErrors,
		r.providerHealth,
		r.activeConnections,
		r.queueSize,
		r.errorsTotal,
		r.cacheOps,
		r.rateLimitTotal,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(method, path string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(dur.Seconds())
}

func (r *Registry) IncActiveConnections() { r.activeConnections.Inc() }
func (r *Registry) DecActiveConnections() { r.activeConnections.Dec() }

// IncProviderRequests counts one upstream attempt outcome
// (status is "success", "error", or "excluded").
func (r *Registry) IncProviderRequests(provider, status string) {
	r.providerRequests.WithLabelValues(provider, status).Inc()
}

// AddProviderTokens adds token usage (direction is "input" or "output").
func (r *Registry) AddProviderTokens(provider, direction string, n int) {
	if n > 0 {
		r.providerTokens.WithLabelValues(provider, direction).Add(float64(n))
	}
}

// SetProviderLatency publishes the rolling latency percentiles in ms.
func (r *Registry) SetProviderLatency(provider string, p50, p95, p99 float64) {
	r.latencyP50.WithLabelValues(provider).Set(p50)
	r.latencyP95.WithLabelValues(provider).Set(p95)
	r.latencyP99.WithLabelValues(provider).Set(p99)
}

// SetConsecutiveErrors publishes the counted error streak for a sub-provider.
func (r *Registry) SetConsecutiveErrors(provider, subProvider string, n int) {
	r.consecutiveErrors.WithLabelValues(provider, subProvider).Set(float64(n))
}

// SetProviderHealth maps the health status string onto the gauge.
func (r *Registry) SetProviderHealth(provider, status string) {
	v := 0.0
	switch status {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

// SetQueueSize publishes the depth of a named internal queue.
func (r *Registry) SetQueueSize(queue string, n int) {
	r.queueSize.WithLabelValues(queue).Set(float64(n))
}

// IncError counts one error by taxonomy type (e.g. "retryable", "critical").
func (r *Registry) IncError(errType string) {
	r.errorsTotal.WithLabelValues(errType).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK()   { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
