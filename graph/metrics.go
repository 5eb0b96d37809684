package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for graph execution.
//
// Metrics exposed (all namespaced "agentgraph"):
//
//   - runs_total (counter): runs started, labelled by graph_id.
//   - runs_completed_total / runs_failed_total (counter): run outcomes.
//   - node_executions_total (counter): node dispatches by graph_id, node_id, status.
//   - node_duration_seconds (histogram): successful node latency.
//   - retries_total (counter): retry attempts by graph_id, node_id.
//   - cache_hits_total (counter): idempotency hits by graph_id, layer.
//
// All record methods are nil-safe: a runner without metrics calls them on a
// nil receiver and they no-op, so instrumentation stays optional.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	runner := NewRunner(WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsFailed    *prometheus.CounterVec
	nodeExecs     *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. A nil registry uses the
// global default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgraph",
			Name:      "runs_total",
			Help:      "Graph runs started.",
		}, []string{"graph_id"}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgraph",
			Name:      "runs_completed_total",
			Help:      "Graph runs that reached COMPLETED.",
		}, []string{"graph_id"}),
		runsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgraph",
			Name:      "runs_failed_total",
			Help:      "Graph runs that reached FAILED.",
		}, []string{"graph_id"}),
		nodeExecs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgraph",
			Name:      "node_executions_total",
			Help:      "Node dispatches by outcome.",
		}, []string{"graph_id", "node_id", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentgraph",
			Name:      "node_duration_seconds",
			Help:      "Successful node execution latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"graph_id", "node_id"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgraph",
			Name:      "retries_total",
			Help:      "Retry attempts beyond the first execution.",
		}, []string{"graph_id", "node_id"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgraph",
			Name:      "cache_hits_total",
			Help:      "Idempotency cache hits by layer.",
		}, []string{"graph_id", "layer"}),
	}
}

func (m *Metrics) graphStarted(graphID string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(graphID).Inc()
}

func (m *Metrics) graphCompleted(graphID string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(graphID).Inc()
}

func (m *Metrics) graphFailed(graphID string) {
	if m == nil {
		return
	}
	m.runsFailed.WithLabelValues(graphID).Inc()
}

func (m *Metrics) nodeStarted(graphID, nodeID string) {
	if m == nil {
		return
	}
	m.nodeExecs.WithLabelValues(graphID, nodeID, "started").Inc()
}

func (m *Metrics) nodeCompleted(graphID, nodeID string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecs.WithLabelValues(graphID, nodeID, "completed").Inc()
	m.nodeDuration.WithLabelValues(graphID, nodeID).Observe(elapsed.Seconds())
}

func (m *Metrics) nodeFailed(graphID, nodeID string) {
	if m == nil {
		return
	}
	m.nodeExecs.WithLabelValues(graphID, nodeID, "failed").Inc()
}

func (m *Metrics) nodeRetried(graphID, nodeID string, retries int) {
	if m == nil || retries <= 0 {
		return
	}
	m.retries.WithLabelValues(graphID, nodeID).Add(float64(retries))
}

func (m *Metrics) stepCacheHit(graphID string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(graphID, "step").Inc()
}

func (m *Metrics) toolCacheHit(graphID string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(graphID, "tool").Inc()
}
