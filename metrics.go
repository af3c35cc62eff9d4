package ward

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestsBlocked  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeTunnels    prometheus.Gauge
	tunnelBytes      *prometheus.CounterVec
	ruleCount        prometheus.Gauge
	sourceReloads    prometheus.Counter
	sourceReloadErrs prometheus.Counter
	geoLookups       prometheus.Counter
	geoBlocked       *prometheus.CounterVec
	threatLookups    prometheus.Counter
	threatHits       prometheus.Counter
	suspiciousTotal  *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "scheme"}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests blocked, by decision stage.",
		}, []string{"stage"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ward",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ward",
			Name:      "active_tunnels",
			Help:      "Number of active CONNECT tunnels.",
		}),

		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels, by direction.",
		}, []string{"direction"}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ward",
			Name:      "rule_count",
			Help:      "Number of active domain rules across all lists.",
		}),

		sourceReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "source_reloads_total",
			Help:      "Number of successful rule source reloads.",
		}),

		sourceReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "source_reload_errors_total",
			Help:      "Number of failed rule source reloads.",
		}),

		geoLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "geo_lookups_total",
			Help:      "Number of geolocation lookups performed.",
		}),

		geoBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "geo_blocked_total",
			Help:      "Number of requests blocked by country.",
		}, []string{"country"}),

		threatLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "threat_lookups_total",
			Help:      "Number of threat feed lookups performed.",
		}),

		threatHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "threat_hits_total",
			Help:      "Number of threat feed hits.",
		}),

		suspiciousTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "suspicious_clients_total",
			Help:      "Number of suspicious behavior detections, by severity.",
		}, []string{"severity"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ward",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.activeTunnels,
		m.tunnelBytes,
		m.ruleCount,
		m.sourceReloads,
		m.sourceReloadErrs,
		m.geoLookups,
		m.geoBlocked,
		m.threatLookups,
		m.threatHits,
		m.suspiciousTotal,
		m.upstreamErrors,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordBlocked records a blocked request with its deciding stage.
func (m *Metrics) RecordBlocked(stage string) {
	m.requestsBlocked.WithLabelValues(stage).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}

// RecordTunnelBytes records bytes relayed through a tunnel. Direction is
// "upstream" (client to origin) or "downstream" (origin to client).
func (m *Metrics) RecordTunnelBytes(direction string, n int64) {
	m.tunnelBytes.WithLabelValues(direction).Add(float64(n))
}

// SetRuleCount sets the current rule count.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordSourceReload records a successful source reload.
func (m *Metrics) RecordSourceReload() {
	m.sourceReloads.Inc()
}

// RecordSourceReloadError records a failed source reload.
func (m *Metrics) RecordSourceReloadError() {
	m.sourceReloadErrs.Inc()
}

// RecordGeoLookup records a geolocation lookup.
func (m *Metrics) RecordGeoLookup() {
	m.geoLookups.Inc()
}

// RecordGeoBlocked records a country block.
func (m *Metrics) RecordGeoBlocked(country string) {
	m.geoBlocked.WithLabelValues(country).Inc()
}

// RecordThreatLookup records a threat feed lookup.
func (m *Metrics) RecordThreatLookup() {
	m.threatLookups.Inc()
}

// RecordThreatHit records a threat feed hit.
func (m *Metrics) RecordThreatHit() {
	m.threatHits.Inc()
}

// RecordSuspicious records a suspicious behavior detection.
func (m *Metrics) RecordSuspicious(severity string) {
	m.suspiciousTotal.WithLabelValues(severity).Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}
