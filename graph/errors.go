package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrThreadBusy is returned when a run is requested for a thread that
// already has an in-flight execution. At most one execution per checkpoint
// lineage may be active at a time.
var ErrThreadBusy = errors.New("thread already has an in-flight run")

// ErrUnknownMerge is returned when a field declares a custom merge function
// that is not registered.
var ErrUnknownMerge = errors.New("unknown merge function")

// ValidationIssue is one structural problem found during compilation.
type ValidationIssue struct {
	// Node or edge the issue refers to, when applicable.
	Node string
	// Message describes the problem.
	Message string
}

func (i ValidationIssue) String() string {
	if i.Node != "" {
		return i.Node + ": " + i.Message
	}
	return i.Message
}

// ValidationError aggregates every structural problem found in a
// GraphDefinition. Compilation validates exhaustively rather than stopping
// at the first issue, so a single compile surfaces all problems.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Sprintf("invalid graph definition (%d issues): %s", len(e.Issues), strings.Join(msgs, "; "))
}

// UnresolvedHandlerError indicates that no registry tier could resolve a
// node's handler reference and no fallback handler was configured.
type UnresolvedHandlerError struct {
	Node    string
	Handler string
}

func (e *UnresolvedHandlerError) Error() string {
	return fmt.Sprintf("node %s: handler %q not found in any registry tier", e.Node, e.Handler)
}

// NodeExecutionError wraps a failure produced while executing a node,
// including retries that were exhausted.
type NodeExecutionError struct {
	Node     string
	Attempts int
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("node %s failed after %d attempts: %v", e.Node, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("node %s failed: %v", e.Node, e.Cause)
}

func (e *NodeExecutionError) Unwrap() error { return e.Cause }

// ConditionEvaluationError indicates a predicate failed while routing out of
// a node. It is treated as a failure of the edge's source node.
type ConditionEvaluationError struct {
	Node      string
	Predicate string
	Cause     error
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("node %s: predicate %q: %v", e.Node, e.Predicate, e.Cause)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Cause }

// ConflictError carries conflicts that could not be resolved. A run that
// hits an unresolved conflict transitions to Failed rather than silently
// picking a side.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		c := e.Conflicts[0]
		return fmt.Sprintf("unresolved %s conflict on %s", c.Type, c.FieldPath)
	}
	return fmt.Sprintf("%d unresolved state conflicts", len(e.Conflicts))
}

// CheckpointPersistenceError indicates checkpoint saves failed after all
// retries. The run is marked Failed instead of continuing on unpersisted
// state.
type CheckpointPersistenceError struct {
	ThreadID string
	Attempts int
	Cause    error
}

func (e *CheckpointPersistenceError) Error() string {
	return fmt.Sprintf("thread %s: checkpoint save failed after %d attempts: %v", e.ThreadID, e.Attempts, e.Cause)
}

func (e *CheckpointPersistenceError) Unwrap() error { return e.Cause }

// IterationLimitError indicates a node or the whole run exceeded its
// iteration bound. Node is empty for the global limit.
type IterationLimitError struct {
	Node  string
	Limit int
}

func (e *IterationLimitError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("run exceeded global iteration limit of %d", e.Limit)
	}
	return fmt.Sprintf("node %s exceeded iteration limit of %d", e.Node, e.Limit)
}

// TimeoutError indicates a node or the whole run exceeded its time budget.
// Node is empty for the run-level timeout.
type TimeoutError struct {
	Node  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("run exceeded timeout of %v", e.Limit)
	}
	return fmt.Sprintf("node %s exceeded timeout of %v", e.Node, e.Limit)
}

// EngineError reports engine misconfiguration or misuse.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
