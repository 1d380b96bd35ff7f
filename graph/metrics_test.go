package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RunCounters(t *testing.T) {
	schema := StateSchema{"trace": {Strategy: MergeAppend}}
	def := GraphDefinition{
		EntryPoint:  "first",
		StateSchema: schema,
		Nodes: map[string]NodeSpec{
			"first":  {Handler: "first"},
			"second": {Handler: "second"},
		},
		Edges: []EdgeSpec{
			{From: "first", To: "second"},
			{From: "second", To: End},
		},
	}
	g, conditions := compile(t, def, map[string]Handler{
		"first":  appendingHandler("first"),
		"second": appendingHandler("second"),
	})

	metrics := NewMetrics(prometheus.NewRegistry())
	engine := newEngine(t, conditions, WithMetrics(metrics), WithCheckpointEvery(1))

	if _, err := engine.Run(context.Background(), g, mustState(t, "t-metrics", schema, nil), ExecutionLimits{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(metrics.runsCompleted.WithLabelValues(string(RunCompleted))); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
	// One checkpoint per merge plus the final one.
	if got := testutil.ToFloat64(metrics.checkpointsSaved); got != 3 {
		t.Errorf("checkpoints saved = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.inflightNodes); got != 0 {
		t.Errorf("inflight nodes = %v, want 0 after the run", got)
	}
}

func TestMetrics_RetriesAndFailures(t *testing.T) {
	schema := StateSchema{}
	def := GraphDefinition{
		EntryPoint:  "flaky",
		StateSchema: schema,
		Nodes:       map[string]NodeSpec{"flaky": {Handler: "flaky"}},
		Edges:       []EdgeSpec{{From: "flaky", To: End}},
	}
	g, conditions := compile(t, def, map[string]Handler{
		"flaky": HandlerFunc(func(ctx context.Context, state StateView, config map[string]any) (HandlerResult, error) {
			return HandlerResult{}, errors.New("always down")
		}),
	})

	metrics := NewMetrics(prometheus.NewRegistry())
	engine := newEngine(t, conditions,
		WithMetrics(metrics),
		WithRetryPolicy(&RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Retryable:   func(error) bool { return true },
		}))

	if _, err := engine.Run(context.Background(), g, mustState(t, "t-metrics-retry", schema, nil), ExecutionLimits{}); err == nil {
		t.Fatal("expected failure")
	}

	if got := testutil.ToFloat64(metrics.retries.WithLabelValues("flaky")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.runsCompleted.WithLabelValues(string(RunFailed))); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.nodeStarted()
	m.nodeFinished("n", true, time.Millisecond)
	m.retried("n")
	m.conflictDetected(ConflictFieldModification)
	m.checkpointSaved()
	m.checkpointFailed()
	m.runFinished(RunCompleted)
}
