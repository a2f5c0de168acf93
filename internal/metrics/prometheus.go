package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection acquisition metrics
	AcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_acquire_total",
			Help: "Total connection acquisitions through the manager",
		},
		[]string{"kind", "exchange", "status"}, // kind: stream|rest, status: success|error
	)

	// Stream metrics
	StreamConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hermes_stream_connections",
			Help: "Current number of live stream clients by state",
		},
		[]string{"exchange", "state"},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_stream_reconnects_total",
			Help: "Total stream reconnection attempts",
		},
		[]string{"exchange"},
	)

	// REST pool metrics
	RestPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hermes_rest_pool_connections",
			Help: "Current number of pooled REST clients",
		},
	)

	RestPoolEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_rest_pool_evictions_total",
			Help: "Total REST clients evicted from the pool",
		},
		[]string{"reason"}, // reason: lru|idle|reuse_cap|refresh
	)

	RestHealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_rest_health_checks_total",
			Help: "Total REST health checks actually performed (cache misses)",
		},
		[]string{"status"}, // status: healthy|unhealthy
	)

	// Credential metrics
	SecretCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_secret_cache_ops_total",
			Help: "Secret cache operations by result",
		},
		[]string{"result"}, // result: hit|miss
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_rate_limit_rejections_total",
			Help: "Requests rejected by per-key rate limiting",
		},
		[]string{"exchange"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	prometheus.MustRegister(AcquireTotal)
	prometheus.MustRegister(StreamConnections)
	prometheus.MustRegister(StreamReconnects)
	prometheus.MustRegister(RestPoolSize)
	prometheus.MustRegister(RestPoolEvictions)
	prometheus.MustRegister(RestHealthChecks)
	prometheus.MustRegister(SecretCacheOps)
	prometheus.MustRegister(RateLimitRejections)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAcquire records one Acquire call through the connection manager
func RecordAcquire(kind, exchange string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	AcquireTotal.WithLabelValues(kind, exchange, status).Inc()
}
