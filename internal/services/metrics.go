package services

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latency buckets in milliseconds
var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics groups the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	admissions      *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed",
		}, []string{"method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: latencyBuckets,
		}, []string{"method"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admissions_total",
			Help: "Admission decisions by result code",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Cache-through lookups by result",
		}, []string{"result"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_ms",
			Help:    "Upstream provider latency in milliseconds",
			Buckets: latencyBuckets,
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(m.requests, m.requestLatency, m.admissions, m.cacheLookups, m.upstreamLatency)
	return m
}

func (m *Metrics) RecordRequest(method string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.requestLatency.WithLabelValues(method).Observe(float64(duration.Milliseconds()))
}

func (m *Metrics) ObserveAdmission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) ObserveUpstream(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(provider, outcome).Observe(float64(duration.Milliseconds()))
}
