// Package graph provides a declaratively-configured graph execution engine
// for multi-step agent workflows. A GraphDefinition describes named nodes,
// transitions between them, and the merge semantics of the shared state;
// Compiler turns the definition into an immutable CompiledGraph that Engine
// executes with checkpointing and conflict resolution.
package graph

// End is the reserved terminal marker. An edge routed to End stops that
// branch of execution.
const End = "__end__"

// GraphDefinition is the declarative description of a workflow graph.
//
// Definitions are typically decoded from a structured document (YAML, JSON)
// by a config-loading layer and handed to the Compiler. The struct tags
// match the document format:
//
//	name: review-loop
//	entry_point: draft
//	state_schema:
//	  messages: {strategy: append}
//	  score:    {strategy: max}
//	nodes:
//	  draft:  {handler: drafter}
//	  review: {handler: reviewer, max_iterations: 3}
//	edges:
//	  - {from: draft, to: review}
//	  - from: review
//	    branches:
//	      - {predicate: iteration_max, params: {max: 3}, to: __end__}
//	    default: draft
//
// A GraphDefinition is treated as immutable once compiled.
type GraphDefinition struct {
	// Name identifies the workflow. Used in events and metrics labels.
	Name string `yaml:"name" json:"name"`

	// Metadata carries free-form document metadata. Not interpreted by the
	// compiler or engine.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// StateSchema declares the state fields and their merge strategies.
	StateSchema StateSchema `yaml:"state_schema" json:"state_schema"`

	// Nodes maps node name to its spec.
	Nodes map[string]NodeSpec `yaml:"nodes" json:"nodes"`

	// Edges lists transitions in declaration order. Order matters for
	// conditional routing: the first matching branch wins.
	Edges []EdgeSpec `yaml:"edges" json:"edges"`

	// EntryPoint is the node executed first.
	EntryPoint string `yaml:"entry_point" json:"entry_point"`
}

// NodeSpec describes one processing step.
type NodeSpec struct {
	// Name is the node's name. Optional in documents where the node map key
	// already names the node; if set it must match the key.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type groups nodes into handler families resolved through the type
	// tier of the StepRegistry.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Handler is the handler reference resolved at compile time through the
	// tiered StepRegistry lookup.
	Handler string `yaml:"handler" json:"handler"`

	// Config is an opaque key/value map passed to the handler on every
	// execution.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// MaxIterations bounds how many times this node may execute within a
	// single run. Zero means unbounded (subject to the global limit).
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// EdgeSpec describes a transition out of a node.
//
// A simple edge sets To. A conditional edge sets Branches (evaluated in
// declared order) plus an optional Default taken when no branch matches.
// A conditional edge without a Default terminates the branch when nothing
// matches; the compiler warns about this.
type EdgeSpec struct {
	From     string       `yaml:"from" json:"from"`
	To       string       `yaml:"to,omitempty" json:"to,omitempty"`
	Branches []BranchSpec `yaml:"branches,omitempty" json:"branches,omitempty"`
	Default  string       `yaml:"default,omitempty" json:"default,omitempty"`
}

// Conditional reports whether the edge routes through predicates.
func (e EdgeSpec) Conditional() bool {
	return len(e.Branches) > 0
}

// BranchSpec is one predicate arm of a conditional edge.
type BranchSpec struct {
	// Predicate names a builtin predicate kind or a custom predicate
	// registered on the ConditionEvaluator.
	Predicate string `yaml:"predicate" json:"predicate"`

	// Params parameterize the predicate (field names, thresholds).
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// To is the target node when the predicate matches.
	To string `yaml:"to" json:"to"`
}

// StateSchema maps field name to its merge declaration.
type StateSchema map[string]FieldSpec

// FieldSpec declares how concurrent or successive writes to a field are
// combined.
type FieldSpec struct {
	// Strategy selects the merge behavior.
	Strategy MergeStrategy `yaml:"strategy" json:"strategy"`

	// Merge names the MergeFunc used when Strategy is MergeCustom.
	Merge string `yaml:"merge,omitempty" json:"merge,omitempty"`

	// Dedup requests duplicate elimination for MergeAppend fields.
	Dedup bool `yaml:"dedup,omitempty" json:"dedup,omitempty"`
}

// MergeStrategy is a declared per-field merge behavior.
type MergeStrategy string

const (
	// MergeReplace makes the incoming value win unconditionally.
	MergeReplace MergeStrategy = "replace"

	// MergeAppend concatenates histories in arrival order.
	MergeAppend MergeStrategy = "append"

	// MergeFirstWins keeps the base value once set.
	MergeFirstWins MergeStrategy = "first-wins"

	// MergeMax keeps the numerically larger value.
	MergeMax MergeStrategy = "max"

	// MergeCustom delegates to a named MergeFunc.
	MergeCustom MergeStrategy = "custom-merge"
)

// valid reports whether the strategy is one of the declared constants.
// The empty strategy defaults to replace.
func (m MergeStrategy) valid() bool {
	switch m {
	case "", MergeReplace, MergeAppend, MergeFirstWins, MergeMax, MergeCustom:
		return true
	}
	return false
}
