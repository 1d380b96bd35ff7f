package graph

import (
	"time"

	"github.com/dshills/agentgraph/graph/emit"
)

// FailurePolicy selects how a run reacts to an unrecovered node failure.
type FailurePolicy int

const (
	// FailHalt stops the run at the first unrecovered failure (default).
	FailHalt FailurePolicy = iota

	// FailBestEffort records the failure, drops the failed node's outgoing
	// routes, and continues with nodes that do not depend on it.
	FailBestEffort
)

// LineagePolicy selects how Resume treats a checkpoint that is no longer
// the thread's head.
type LineagePolicy int

const (
	// LineageFork allows resuming from any checkpoint; the resumed run
	// records the checkpoint as its parent, creating a branch.
	LineageFork LineagePolicy = iota

	// LineageRejectStale refuses to resume from a non-head checkpoint,
	// surfacing a version-mismatch conflict instead.
	LineageRejectStale
)

// Options configures engine execution behavior. Zero values select
// conservative defaults; use the With* functional options to override.
type Options struct {
	// MaxIterations bounds total node executions per run. Zero applies
	// defaultMaxIterations.
	MaxIterations int

	// MaxConcurrent bounds parallel node execution within a level.
	MaxConcurrent int

	// NodeTimeout is the default per-node time budget. Zero means no
	// per-node timeout.
	NodeTimeout time.Duration

	// RunTimeout is the whole-run time budget. Zero means no run timeout.
	RunTimeout time.Duration

	// CheckpointEvery saves a checkpoint after every N node merges. Zero
	// checkpoints only at pause and completion.
	CheckpointEvery int

	// CheckpointRetries is how many extra save attempts are made before a
	// run fails with CheckpointPersistenceError.
	CheckpointRetries int

	// Retry configures automatic retry of failed node executions.
	Retry *RetryPolicy

	// OnFailure selects halt or best-effort continuation.
	OnFailure FailurePolicy

	// ConflictStrategy resolves field-level merge conflicts. Empty rejects
	// conflicts, failing the run.
	ConflictStrategy ResolutionStrategy

	// Lineage governs resuming from non-head checkpoints.
	Lineage LineagePolicy

	// Metrics receives Prometheus observations. Nil disables metrics.
	Metrics *Metrics

	// Emitter receives observability events. Nil disables emission.
	Emitter emit.Emitter
}

const (
	defaultMaxIterations     = 1000
	defaultMaxConcurrent     = 8
	defaultCheckpointRetries = 3
	defaultCheckpointBackoff = 100 * time.Millisecond
)

// Option is a functional option for configuring an Engine.
type Option func(*Options)

// WithMaxIterations bounds total node executions per run. Exceeding the
// bound fails the run with IterationLimitError.
func WithMaxIterations(n int) Option {
	return func(o *Options) { o.MaxIterations = n }
}

// WithMaxConcurrent bounds how many independent nodes of one level execute
// in parallel.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) { o.MaxConcurrent = n }
}

// WithNodeTimeout sets the default per-node time budget. A node exceeding
// it fails with TimeoutError and is never retried.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.NodeTimeout = d }
}

// WithRunTimeout sets the whole-run time budget. Exceeding it fails the run
// with TimeoutError.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Options) { o.RunTimeout = d }
}

// WithCheckpointEvery saves a checkpoint after every n merges.
func WithCheckpointEvery(n int) Option {
	return func(o *Options) { o.CheckpointEvery = n }
}

// WithCheckpointRetries sets how many times a failed checkpoint save is
// retried (with backoff) before the run fails.
func WithCheckpointRetries(n int) Option {
	return func(o *Options) { o.CheckpointRetries = n }
}

// WithRetryPolicy enables automatic retry of node failures.
func WithRetryPolicy(rp *RetryPolicy) Option {
	return func(o *Options) { o.Retry = rp }
}

// WithFailurePolicy selects halt or best-effort failure handling.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *Options) { o.OnFailure = p }
}

// WithConflictStrategy selects the resolution strategy for field-level
// merge conflicts.
func WithConflictStrategy(s ResolutionStrategy) Option {
	return func(o *Options) { o.ConflictStrategy = s }
}

// WithLineagePolicy selects how resume treats stale checkpoints.
func WithLineagePolicy(p LineagePolicy) Option {
	return func(o *Options) { o.Lineage = p }
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}
