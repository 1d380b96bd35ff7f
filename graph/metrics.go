package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine execution. All metrics are
// namespaced "agentgraph_".
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	engine := graph.NewEngine(store, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightNodes      prometheus.Gauge
	nodeLatency        *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	conflicts          *prometheus.CounterVec
	checkpointsSaved   prometheus.Counter
	checkpointFailures prometheus.Counter
	runsCompleted      *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentgraph_inflight_nodes",
			Help: "Number of node handlers currently executing.",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgraph_node_latency_ms",
			Help:    "Node execution duration in milliseconds.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_retries_total",
			Help: "Cumulative node retry attempts.",
		}, []string{"node"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_conflicts_total",
			Help: "State merge conflicts detected, by conflict type.",
		}, []string{"type"}),
		checkpointsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentgraph_checkpoints_saved_total",
			Help: "Checkpoints successfully persisted.",
		}),
		checkpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentgraph_checkpoint_failures_total",
			Help: "Checkpoint save attempts that failed.",
		}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_runs_total",
			Help: "Finished runs, by terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) nodeStarted() {
	if m != nil {
		m.inflightNodes.Inc()
	}
}

func (m *Metrics) nodeFinished(node string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
	status := "success"
	if !ok {
		status = "error"
	}
	m.nodeLatency.WithLabelValues(node, status).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) retried(node string) {
	if m != nil {
		m.retries.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) conflictDetected(t ConflictType) {
	if m != nil {
		m.conflicts.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) checkpointSaved() {
	if m != nil {
		m.checkpointsSaved.Inc()
	}
}

func (m *Metrics) checkpointFailed() {
	if m != nil {
		m.checkpointFailures.Inc()
	}
}

func (m *Metrics) runFinished(status RunState) {
	if m != nil {
		m.runsCompleted.WithLabelValues(string(status)).Inc()
	}
}
