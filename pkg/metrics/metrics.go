package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rosfleet_devices_total",
			Help: "Total number of registered devices by environment and status",
		},
		[]string{"environment", "status"},
	)

	// Health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_health_checks_total",
			Help: "Total number of health probes by result state",
		},
		[]string{"state"},
	)

	HealthProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rosfleet_health_probe_duration_seconds",
			Help:    "Device health probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Plan metrics
	PlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_plans_total",
			Help: "Total number of plans by terminal status",
		},
		[]string{"status"},
	)

	// Job metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rosfleet_job_queue_depth",
			Help: "Current number of jobs waiting in the queue",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_jobs_total",
			Help: "Total number of executed jobs by type and status",
		},
		[]string{"type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosfleet_job_duration_seconds",
			Help:    "Job execution duration in seconds by type",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"type"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_rollbacks_total",
			Help: "Total number of rollback attempts by result",
		},
		[]string{"result"},
	)

	// Snapshot metrics
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_snapshots_total",
			Help: "Total number of snapshots captured by kind",
		},
		[]string{"kind"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosfleet_cache_hits_total",
			Help: "Total number of resource cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosfleet_cache_misses_total",
			Help: "Total number of resource cache misses",
		},
	)

	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rosfleet_cache_entries",
			Help: "Current number of entries in the resource cache",
		},
	)

	// Rate limiting
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter, by tier",
		},
		[]string{"tier"},
	)

	// MCP metrics
	MCPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_mcp_requests_total",
			Help: "Total number of MCP requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_tool_calls_total",
			Help: "Total number of tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosfleet_tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(HealthProbeDuration)
	prometheus.MustRegister(PlansTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheSize)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(MCPRequestsTotal)
	prometheus.MustRegister(ToolCallsTotal)
	prometheus.MustRegister(ToolCallDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
