package graph

import "sort"

// Level is a topological batch of nodes with no dependencies on each other.
// Non-iterative levels are eligible for parallel execution. A level marked
// Iterative contains a feedback cycle and is executed as a bounded loop,
// one node at a time.
type Level struct {
	Nodes     []string
	Iterative bool
}

// resolvedHandler pairs a compiled handler with the registry tier that
// produced it.
type resolvedHandler struct {
	handler Handler
	tier    ResolveTier
}

// CompiledGraph is an immutable, executable graph produced by
// Compiler.Compile. It is safe for concurrent use across runs: all lookups
// are read-only after compilation.
type CompiledGraph struct {
	def       GraphDefinition
	handlers  map[string]resolvedHandler
	edgesFrom map[string][]EdgeSpec
	levels    []Level
	levelOf   map[string]int
	warnings  []string
}

// Name returns the definition's workflow name.
func (g *CompiledGraph) Name() string { return g.def.Name }

// EntryPoint returns the node executed first.
func (g *CompiledGraph) EntryPoint() string { return g.def.EntryPoint }

// Schema returns the state schema the graph was compiled with.
func (g *CompiledGraph) Schema() StateSchema { return g.def.StateSchema }

// Definition returns the definition the graph was compiled from.
func (g *CompiledGraph) Definition() GraphDefinition { return g.def }

// Nodes returns all node names in sorted order.
func (g *CompiledGraph) Nodes() []string {
	names := make([]string, 0, len(g.def.Nodes))
	for name := range g.def.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasNode reports whether the graph contains the named node.
func (g *CompiledGraph) HasNode(name string) bool {
	_, ok := g.def.Nodes[name]
	return ok
}

// Levels returns the topological level grouping computed at compile time.
func (g *CompiledGraph) Levels() []Level { return g.levels }

// LevelOf returns the level index for a node, or -1 for unknown nodes.
func (g *CompiledGraph) LevelOf(name string) int {
	idx, ok := g.levelOf[name]
	if !ok {
		return -1
	}
	return idx
}

// Warnings returns non-fatal findings from compilation: orphan nodes,
// conditional edges without defaults, fallback-tier handler resolutions.
func (g *CompiledGraph) Warnings() []string { return g.warnings }

// node returns the spec for a node name.
func (g *CompiledGraph) node(name string) NodeSpec {
	return g.def.Nodes[name]
}

// handler returns the compiled handler for a node.
func (g *CompiledGraph) handler(name string) (Handler, bool) {
	rh, ok := g.handlers[name]
	if !ok {
		return nil, false
	}
	return rh.handler, true
}

// edges returns the outgoing edges of a node in declaration order.
func (g *CompiledGraph) edges(name string) []EdgeSpec {
	return g.edgesFrom[name]
}
