package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playback engine.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	errorsTotal     prometheus.Counter
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheEntries    *prometheus.GaugeVec
	manifestFetches *prometheus.CounterVec
	segmentFetches  *prometheus.CounterVec
	recoveryActions *prometheus.CounterVec
	playAttempts    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_http_requests_total",
			Help: "Total number of HTTP requests received, by method and status class",
		}, []string{"method", "code"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_cache_hits_total",
			Help: "Cache lookups that returned a fresh entry",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_cache_misses_total",
			Help: "Cache lookups that found no entry or an expired one",
		}, []string{"cache"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_cache_evictions_total",
			Help: "Entries removed by TTL purge or capacity eviction",
		}, []string{"cache"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "playback_cache_entries",
			Help: "Entries currently held by each cache",
		}, []string{"cache"}),
		manifestFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_manifest_fetches_total",
			Help: "Manifest fetches by outcome",
		}, []string{"outcome"}),
		segmentFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_segment_fetches_total",
			Help: "Segment fetches by prefetch tier and outcome",
		}, []string{"tier", "outcome"}),
		recoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_recovery_actions_total",
			Help: "Recovery decisions by error class and action",
		}, []string{"class", "action"}),
		playAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_play_attempts_total",
			Help: "Play attempts on the media sink by outcome",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_active_sessions",
			Help: "Number of sessions that have not been torn down",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheEntries,
		m.manifestFetches,
		m.segmentFetches,
		m.recoveryActions,
		m.playAttempts,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the request counter for the given method and status code class.
func (m *Metrics) IncRequests(method, code string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, code).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

func (m *Metrics) IncCacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) IncCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) AddCacheEvictions(cache string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(cache).Add(float64(n))
}

func (m *Metrics) SetCacheEntries(cache string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

func (m *Metrics) IncManifestFetch(outcome string) {
	if m == nil {
		return
	}
	m.manifestFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSegmentFetch(tier, outcome string) {
	if m == nil {
		return
	}
	m.segmentFetches.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) IncRecoveryAction(class, action string) {
	if m == nil {
		return
	}
	m.recoveryActions.WithLabelValues(class, action).Inc()
}

func (m *Metrics) IncPlayAttempt(outcome string) {
	if m == nil {
		return
	}
	m.playAttempts.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
