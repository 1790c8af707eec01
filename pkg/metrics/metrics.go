package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// User/server inventory metrics
	UsersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnforge_users_total",
			Help: "Total number of users by status and protocol",
		},
		[]string{"status", "protocol"},
	)

	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnforge_servers_total",
			Help: "Total number of server instances by status and protocol",
		},
		[]string{"status", "protocol"},
	)

	// Cache metrics (spec.md §4.5)
	CacheHitRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnforge_cache_hit_ratio",
			Help: "Cumulative cache hit ratio, hits/(hits+misses)",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnforge_cache_entries",
			Help: "Current number of cache entries",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnforge_cache_bytes",
			Help: "Estimated total size of cached values in bytes",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnforge_cache_evictions_total",
			Help: "Total number of cache entries evicted by LRU to stay within the entry or byte limits; TTL expiry is not counted",
		},
	)

	CacheAccessLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpnforge_cache_access_latency_seconds",
			Help:    "Latency of cache Get/GetOrFetch calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProxyDataPlane metrics (spec.md §4.9)
	ProxySessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnforge_proxy_sessions_active",
			Help: "Currently open proxy sessions by kind",
		},
		[]string{"kind"},
	)

	ProxySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_proxy_sessions_total",
			Help: "Total proxy sessions accepted by kind",
		},
		[]string{"kind"},
	)

	ProxyBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_proxy_bytes_total",
			Help: "Total bytes forwarded by the proxy data plane",
		},
		[]string{"kind", "direction"},
	)

	ProxyAuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_proxy_auth_failures_total",
			Help: "Total proxy authentication failures by kind",
		},
		[]string{"kind"},
	)

	ProxyRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_proxy_rate_limited_total",
			Help: "Total connections dropped or rejected due to rate limiting",
		},
		[]string{"kind"},
	)

	ProxyAccountingDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnforge_proxy_accounting_dropped_total",
			Help: "Total traffic accounting deltas dropped because the accounting channel was full",
		},
	)

	// ServerManager / ContainerClient operation metrics
	ServerInstallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpnforge_server_install_duration_seconds",
			Help:    "Time taken to install a server instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ServerInstallFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_server_install_failures_total",
			Help: "Total server install failures by protocol",
		},
		[]string{"protocol"},
	)

	ContainerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpnforge_container_op_duration_seconds",
			Help:    "Time taken for a ContainerClient operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Health loop / scheduler metrics (spec.md §5)
	HealthProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpnforge_health_probe_duration_seconds",
			Help:    "Time taken to run one protocol health probe in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServerDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_server_degraded_total",
			Help: "Total transitions into the Degraded state by server name",
		},
		[]string{"server"},
	)

	ServerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnforge_server_restarts_total",
			Help: "Total automatic restart attempts by server name",
		},
		[]string{"server"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpnforge_scheduling_latency_seconds",
			Help:    "Time taken for one health-loop reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		UsersTotal,
		ServersTotal,
		CacheHitRatio,
		CacheEntries,
		CacheBytes,
		CacheEvictionsTotal,
		CacheAccessLatency,
		ProxySessionsActive,
		ProxySessionsTotal,
		ProxyBytesTotal,
		ProxyAuthFailuresTotal,
		ProxyRateLimitedTotal,
		ProxyAccountingDroppedTotal,
		ServerInstallDuration,
		ServerInstallFailuresTotal,
		ContainerOpDuration,
		HealthProbeDuration,
		ServerDegradedTotal,
		ServerRestartsTotal,
		SchedulingLatency,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
