// Package emit provides pluggable observability for graph execution.
// The engine emits an Event at every significant transition (node start and
// finish, merge, conflict, checkpoint, pause, completion); Emitter
// implementations route those events to logs, traces, or buffers.
package emit

// Event is one observability record from a run.
type Event struct {
	// ThreadID identifies the execution lineage that emitted the event.
	ThreadID string

	// Step is the run's node-execution counter at emission time. Zero for
	// run-level events.
	Step int

	// Node is the originating node, empty for run-level events.
	Node string

	// Msg names the event, e.g. "node_start", "node_failed",
	// "checkpoint_saved", "run_completed".
	Msg string

	// Meta carries event-specific structured data: durations, error text,
	// checkpoint ids, conflict types.
	Meta map[string]any
}
