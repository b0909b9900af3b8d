// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the code execution server.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecBuckets defines histogram buckets suited for sandboxed code
// executions, ranging from 10ms to the default 30s timeout and beyond.
var ExecBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicodeexec_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicodeexec_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aicodeexec_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// ExecutionsTotal counts code executions by language and outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicodeexec_executions_total",
			Help: "Code executions",
		},
		[]string{"language", "status"},
	)

	// ExecutionDuration records sandboxed execution duration in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicodeexec_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecBuckets,
		},
		[]string{"language"},
	)

	// AutoFixAttemptsTotal counts auto-fix attempts by outcome.
	AutoFixAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicodeexec_autofix_attempts_total",
			Help: "Auto-fix attempts",
		},
		[]string{"outcome"},
	)

	// AutoFixRounds records how many fix rounds a session consumed before
	// completing.
	AutoFixRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aicodeexec_autofix_rounds",
			Help:    "Fix rounds per session",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	// ContainersActive tracks the number of managed containers.
	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aicodeexec_containers_active",
			Help: "Managed containers",
		},
	)

	// ProviderRequestsTotal counts requests sent to AI backends.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicodeexec_provider_requests_total",
			Help: "Provider requests",
		},
		[]string{"provider", "status"},
	)

	// ProviderLatency records AI backend latency in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicodeexec_provider_request_duration_seconds",
			Help:    "Provider request duration",
			Buckets: LLMBuckets,
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		ExecutionsTotal,
		ExecutionDuration,
		AutoFixAttemptsTotal,
		AutoFixRounds,
		ContainersActive,
		ProviderRequestsTotal,
		ProviderLatency,
	)
}
