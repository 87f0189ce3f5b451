// Package metrics provides Prometheus metrics for webagent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "webagent"

	subsystemTools  = "tools"
	subsystemConfig = "config"
	subsystemAgent  = "agent"
	subsystemHTTP   = "http"
)

var (
	// ReconcileTotal counts reconcile passes.
	ReconcileTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTools,
			Name:      "reconcile_total",
			Help:      "Total number of reconcile passes",
		},
	)

	// ReconcileDuration measures how long a reconcile pass takes.
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemTools,
			Name:      "reconcile_duration_seconds",
			Help:      "Reconcile pass latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// ToolOutcomes counts per-tool reconcile outcomes.
	ToolOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTools,
			Name:      "outcomes_total",
			Help:      "Reconcile outcomes per tool",
		},
		[]string{"tool", "outcome"},
	)

	// ToolConnections shows pool entries by status.
	ToolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTools,
			Name:      "connections",
			Help:      "Tool connection pool entries by status",
		},
		[]string{"status"},
	)

	// ConfigSaves counts configuration saves.
	ConfigSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConfig,
			Name:      "saves_total",
			Help:      "Configuration saves by result",
		},
		[]string{"result"},
	)

	// AgentRuns counts model runs.
	AgentRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAgent,
			Name:      "runs_total",
			Help:      "Agent runs by result",
		},
		[]string{"result"},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "requests_total",
			Help:      "HTTP API requests by route pattern and status code",
		},
		[]string{"route", "code"},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		ReconcileTotal,
		ReconcileDuration,
		ToolOutcomes,
		ToolConnections,
		ConfigSaves,
		AgentRuns,
		HTTPRequests,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordReconcile records one reconcile pass.
func RecordReconcile(seconds float64) {
	ReconcileTotal.Inc()
	ReconcileDuration.Observe(seconds)
}

// RecordToolOutcome records a per-tool reconcile outcome.
func RecordToolOutcome(tool, outcome string) {
	ToolOutcomes.WithLabelValues(tool, outcome).Inc()
}

// SetToolConnections replaces the pool gauge with the given counts.
func SetToolConnections(byStatus map[string]int) {
	ToolConnections.Reset()
	for status, n := range byStatus {
		ToolConnections.WithLabelValues(status).Set(float64(n))
	}
}

// RecordConfigSave records a save attempt.
func RecordConfigSave(err error) {
	ConfigSaves.WithLabelValues(result(err)).Inc()
}

// RecordAgentRun records a model run.
func RecordAgentRun(err error) {
	AgentRuns.WithLabelValues(result(err)).Inc()
}

// RecordHTTPRequest records an API request.
func RecordHTTPRequest(route, code string) {
	HTTPRequests.WithLabelValues(route, code).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
