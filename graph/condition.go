package graph

import (
	"fmt"
	"strings"
	"sync"
)

// Predicate evaluates a routing condition against the state view. Params
// come from the branch declaration. Predicates should be pure; a predicate
// that performs I/O is supported but discouraged, since its latency sits on
// the routing path.
type Predicate func(state StateView, params map[string]any) (bool, error)

// ConditionEvaluator routes conditional edges. Branch predicates are
// evaluated strictly in declared order and the first match wins; this
// ordering is a hard contract, since reordering predicates changes routing.
//
// Builtin predicate kinds:
//
//	tool_call       field (default "tool_calls") holds a non-empty value
//	no_tool_call    negation of tool_call
//	has_error       the error log is non-empty
//	no_error        the error log is empty
//	iteration_eq    node (default edge source) iteration count == value
//	iteration_gt    node iteration count > value
//	iteration_max   node iteration count >= max
//	contains        string field contains substring value
//
// Any other predicate name is looked up in the custom registry.
type ConditionEvaluator struct {
	mu     sync.RWMutex
	custom map[string]Predicate
}

// NewConditionEvaluator creates an evaluator with only the builtin
// predicate kinds.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{custom: make(map[string]Predicate)}
}

// RegisterPredicate adds a named custom predicate. Custom names shadow
// nothing: builtin kinds always win, so choose distinct names.
func (ce *ConditionEvaluator) RegisterPredicate(name string, p Predicate) error {
	if name == "" {
		return &EngineError{Message: "predicate name cannot be empty", Code: "EMPTY_PREDICATE_NAME"}
	}
	if p == nil {
		return &EngineError{Message: "predicate cannot be nil", Code: "NIL_PREDICATE"}
	}
	ce.mu.Lock()
	ce.custom[name] = p
	ce.mu.Unlock()
	return nil
}

// Known reports whether the evaluator can route the named predicate. The
// compiler uses this to surface unknown predicates as validation issues.
func (ce *ConditionEvaluator) Known(name string) bool {
	switch name {
	case "tool_call", "no_tool_call", "has_error", "no_error",
		"iteration_eq", "iteration_gt", "iteration_max", "contains":
		return true
	}
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	_, ok := ce.custom[name]
	return ok
}

// Evaluate picks the next node for an edge. For a simple edge that is its
// To target. For a conditional edge, branches are tried in declared order;
// if none match the Default is used, and with no Default the branch
// terminates (routes to End).
func (ce *ConditionEvaluator) Evaluate(edge EdgeSpec, state StateView) (string, error) {
	if !edge.Conditional() {
		if edge.To == "" {
			return End, nil
		}
		return edge.To, nil
	}

	for _, branch := range edge.Branches {
		matched, err := ce.eval(branch.Predicate, edge.From, state, branch.Params)
		if err != nil {
			return "", &ConditionEvaluationError{Node: edge.From, Predicate: branch.Predicate, Cause: err}
		}
		if matched {
			return branch.To, nil
		}
	}

	if edge.Default != "" {
		return edge.Default, nil
	}
	return End, nil
}

func (ce *ConditionEvaluator) eval(name, from string, state StateView, params map[string]any) (bool, error) {
	switch name {
	case "tool_call":
		return hasValue(state, paramString(params, "field", "tool_calls")), nil

	case "no_tool_call":
		return !hasValue(state, paramString(params, "field", "tool_calls")), nil

	case "has_error":
		return len(state.Errors()) > 0, nil

	case "no_error":
		return len(state.Errors()) == 0, nil

	case "iteration_eq":
		n, err := paramInt(params, "value")
		if err != nil {
			return false, err
		}
		return state.Iterations(paramString(params, "node", from)) == n, nil

	case "iteration_gt":
		n, err := paramInt(params, "value")
		if err != nil {
			return false, err
		}
		return state.Iterations(paramString(params, "node", from)) > n, nil

	case "iteration_max":
		n, err := paramInt(params, "max")
		if err != nil {
			return false, err
		}
		return state.Iterations(paramString(params, "node", from)) >= n, nil

	case "contains":
		field := paramString(params, "field", "")
		if field == "" {
			return false, fmt.Errorf("contains predicate requires a field param")
		}
		v, ok := state.Get(field)
		if !ok {
			return false, nil
		}
		return strings.Contains(fmt.Sprint(v), paramString(params, "value", "")), nil
	}

	ce.mu.RLock()
	p, ok := ce.custom[name]
	ce.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown predicate %q", name)
	}
	return p(state, params)
}

// hasValue reports whether a field is set and non-empty. Empty slices and
// maps count as absent, matching how tool-call buffers are usually drained.
func hasValue(state StateView, field string) bool {
	v, ok := state.Get(field)
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case string:
		return t != ""
	}
	return true
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// paramInt coerces a numeric param. YAML decodes integers as int while JSON
// produces float64; both are accepted.
func paramInt(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing %q param", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("param %q is not an integer: %v", key, v)
}
