package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apron"

// Health gauge values reported per upstream.
const (
	HealthUnhealthy = 0.0
	HealthDegraded  = 0.5
	HealthHealthy   = 1.0
)

// Collector owns the Prometheus registry and every gateway metric.
// One Collector exists per gateway instance.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamRequests  *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	cacheEvents       *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec
	upstreamHealth    *prometheus.GaugeVec
	configDrift       prometheus.Counter
}

// NewCollector builds a Collector with its own registry and runtime collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the gateway.",
		}, []string{"route", "method", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),

		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Forward attempts per upstream by outcome.",
		}, []string{"upstream", "outcome"}),

		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts per upstream.",
		}, []string{"upstream"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open).",
		}, []string{"upstream"}),

		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Cache events by kind (hit, miss, store, purge, coalesced).",
		}, []string{"event"}),

		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests rejected by the rate limiter per policy.",
		}, []string{"policy"}),

		upstreamHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_health",
			Help:      "Upstream health (1 healthy, 0.5 degraded, 0 unhealthy).",
		}, []string{"upstream"}),

		configDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_drift_total",
			Help:      "Times the config file changed on disk after boot.",
		}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.upstreamRequests,
		c.retriesTotal,
		c.breakerState,
		c.cacheEvents,
		c.rateLimitRejected,
		c.upstreamHealth,
		c.configDrift,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// ObserveRequest records one completed request.
func (c *Collector) ObserveRequest(route, method string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveUpstream records one forward outcome: success, error, timeout, short_circuit.
func (c *Collector) ObserveUpstream(upstream, outcome string) {
	c.upstreamRequests.WithLabelValues(upstream, outcome).Inc()
}

// RecordRetry counts one retry attempt against an upstream.
func (c *Collector) RecordRetry(upstream string) {
	c.retriesTotal.WithLabelValues(upstream).Inc()
}

// SetBreakerState publishes the breaker state gauge for an upstream.
func (c *Collector) SetBreakerState(upstream string, state float64) {
	c.breakerState.WithLabelValues(upstream).Set(state)
}

// RecordCacheEvent counts a cache event: hit, miss, store, purge, coalesced.
func (c *Collector) RecordCacheEvent(event string) {
	c.cacheEvents.WithLabelValues(event).Inc()
}

// RecordRateLimited counts a 429 issued by the named policy.
func (c *Collector) RecordRateLimited(policy string) {
	c.rateLimitRejected.WithLabelValues(policy).Inc()
}

// SetUpstreamHealth publishes the health gauge for an upstream.
func (c *Collector) SetUpstreamHealth(upstream string, value float64) {
	c.upstreamHealth.WithLabelValues(upstream).Set(value)
}

// RecordConfigDrift counts an on-disk config change.
func (c *Collector) RecordConfigDrift() {
	c.configDrift.Inc()
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
