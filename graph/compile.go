package graph

import (
	"fmt"
	"sort"
)

// Compiler validates a GraphDefinition and freezes it into an executable
// CompiledGraph. Validation is exhaustive: every structural problem found
// is collected into one ValidationError rather than failing on the first,
// so a single compile pass surfaces all problems.
type Compiler struct {
	registry   *StepRegistry
	conditions *ConditionEvaluator
}

// NewCompiler creates a compiler. The registry resolves handler references;
// the condition evaluator (optional, may be nil) lets the compiler reject
// branches naming unknown predicates.
func NewCompiler(registry *StepRegistry, conditions *ConditionEvaluator) *Compiler {
	return &Compiler{registry: registry, conditions: conditions}
}

// Compile validates the definition, resolves every handler reference
// through the tiered registry, builds the adjacency structure, and computes
// the topological level grouping used for parallel execution. Cycles
// collapse into iterative levels executed as bounded loops; a cycle whose
// members carry no iteration bound is a validation error.
func (c *Compiler) Compile(def GraphDefinition) (*CompiledGraph, error) {
	if c.registry == nil {
		return nil, &EngineError{Message: "compiler requires a step registry", Code: "MISSING_REGISTRY"}
	}

	var issues []ValidationIssue
	var warnings []string

	if len(def.Nodes) == 0 {
		issues = append(issues, ValidationIssue{Message: "definition has no nodes"})
	}

	names := make([]string, 0, len(def.Nodes))
	for name := range def.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	// Node-level checks and handler resolution.
	handlers := make(map[string]resolvedHandler, len(def.Nodes))
	nodes := make(map[string]NodeSpec, len(def.Nodes))
	for _, name := range names {
		spec := def.Nodes[name]
		if name == End {
			issues = append(issues, ValidationIssue{Node: name, Message: "node name collides with the terminal marker"})
			continue
		}
		if spec.Name != "" && spec.Name != name {
			issues = append(issues, ValidationIssue{Node: name, Message: fmt.Sprintf("node name %q does not match its key", spec.Name)})
		}
		spec.Name = name
		nodes[name] = spec
		if spec.Handler == "" {
			issues = append(issues, ValidationIssue{Node: name, Message: "missing handler reference"})
			continue
		}
		if spec.MaxIterations < 0 {
			issues = append(issues, ValidationIssue{Node: name, Message: "max_iterations cannot be negative"})
		}
		h, tier, err := c.registry.Resolve(spec)
		if err != nil {
			issues = append(issues, ValidationIssue{Node: name, Message: err.Error()})
			continue
		}
		if tier == TierFallback {
			warnings = append(warnings, fmt.Sprintf("node %s: handler %q resolved through the fallback handler", name, spec.Handler))
		}
		handlers[name] = resolvedHandler{handler: h, tier: tier}
	}
	def.Nodes = nodes

	// Schema checks.
	for _, field := range sortedKeys(def.StateSchema) {
		spec := def.StateSchema[field]
		if !spec.Strategy.valid() {
			issues = append(issues, ValidationIssue{Message: fmt.Sprintf("field %s: unknown merge strategy %q", field, spec.Strategy)})
		}
		if spec.Strategy == MergeCustom && spec.Merge == "" {
			issues = append(issues, ValidationIssue{Message: fmt.Sprintf("field %s: custom-merge requires a merge function name", field)})
		}
	}

	// Entry point.
	if def.EntryPoint == "" {
		issues = append(issues, ValidationIssue{Message: "missing entry_point"})
	} else if _, ok := def.Nodes[def.EntryPoint]; !ok {
		issues = append(issues, ValidationIssue{Message: fmt.Sprintf("entry_point %q is not a node", def.EntryPoint)})
	}

	// Edge checks and adjacency.
	edgesFrom := make(map[string][]EdgeSpec)
	adjacency := make(map[string]map[string]bool)
	knownTarget := func(name string) bool {
		if name == End {
			return true
		}
		_, ok := def.Nodes[name]
		return ok
	}
	for i, edge := range def.Edges {
		label := fmt.Sprintf("edge %d (%s)", i, edge.From)
		if edge.From == "" || edge.From == End {
			issues = append(issues, ValidationIssue{Message: fmt.Sprintf("edge %d: invalid source %q", i, edge.From)})
			continue
		}
		if _, ok := def.Nodes[edge.From]; !ok {
			issues = append(issues, ValidationIssue{Message: label + ": source is not a node"})
			continue
		}
		if edge.Conditional() {
			if edge.To != "" {
				issues = append(issues, ValidationIssue{Message: label + ": cannot set both to and branches"})
			}
			for _, branch := range edge.Branches {
				if !knownTarget(branch.To) {
					issues = append(issues, ValidationIssue{Message: fmt.Sprintf("%s: branch target %q is not a node", label, branch.To)})
				}
				if c.conditions != nil && !c.conditions.Known(branch.Predicate) {
					issues = append(issues, ValidationIssue{Message: fmt.Sprintf("%s: unknown predicate %q", label, branch.Predicate)})
				}
			}
			if edge.Default == "" {
				warnings = append(warnings, label+": conditional edge without default terminates when no predicate matches")
			} else if !knownTarget(edge.Default) {
				issues = append(issues, ValidationIssue{Message: fmt.Sprintf("%s: default target %q is not a node", label, edge.Default)})
			}
		} else {
			if edge.To == "" {
				issues = append(issues, ValidationIssue{Message: label + ": simple edge missing target"})
			} else if !knownTarget(edge.To) {
				issues = append(issues, ValidationIssue{Message: fmt.Sprintf("%s: target %q is not a node", label, edge.To)})
			}
		}

		edgesFrom[edge.From] = append(edgesFrom[edge.From], edge)
		if adjacency[edge.From] == nil {
			adjacency[edge.From] = make(map[string]bool)
		}
		for _, target := range edgeTargets(edge) {
			if target != End && knownTarget(target) {
				adjacency[edge.From][target] = true
			}
		}
	}

	// Reachability from the entry point. Orphans warn rather than fail.
	if _, ok := def.Nodes[def.EntryPoint]; ok {
		reachable := reachableFrom(def.EntryPoint, adjacency)
		for _, name := range names {
			if !reachable[name] {
				warnings = append(warnings, fmt.Sprintf("node %s is unreachable from entry_point %s", name, def.EntryPoint))
			}
		}
	}

	// Cycle analysis and level grouping.
	components := stronglyConnected(names, adjacency)
	for _, comp := range components {
		if !componentCyclic(comp, adjacency) {
			continue
		}
		bounded := false
		for _, member := range comp {
			if def.Nodes[member].MaxIterations > 0 {
				bounded = true
				break
			}
		}
		if !bounded {
			issues = append(issues, ValidationIssue{Message: fmt.Sprintf("cycle %v has no iteration bound on any member", comp)})
		}
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	levels, levelOf := buildLevels(components, adjacency)

	return &CompiledGraph{
		def:       def,
		handlers:  handlers,
		edgesFrom: edgesFrom,
		levels:    levels,
		levelOf:   levelOf,
		warnings:  warnings,
	}, nil
}

// edgeTargets lists every node an edge can route to.
func edgeTargets(edge EdgeSpec) []string {
	if !edge.Conditional() {
		return []string{edge.To}
	}
	targets := make([]string, 0, len(edge.Branches)+1)
	for _, b := range edge.Branches {
		targets = append(targets, b.To)
	}
	if edge.Default != "" {
		targets = append(targets, edge.Default)
	}
	return targets
}

func reachableFrom(entry string, adjacency map[string]map[string]bool) map[string]bool {
	reachable := map[string]bool{entry: true}
	stack := []string{entry}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adjacency[node] {
			if !reachable[next] {
				reachable[next] = true
				stack = append(stack, next)
			}
		}
	}
	return reachable
}

// stronglyConnected computes SCCs with Tarjan's algorithm. Nodes are
// visited in sorted order and members are returned sorted, so the
// decomposition is deterministic.
func stronglyConnected(names []string, adjacency map[string]map[string]bool) [][]string {
	index := make(map[string]int, len(names))
	lowlink := make(map[string]int, len(names))
	onStack := make(map[string]bool, len(names))
	var stack []string
	var components [][]string
	next := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range sortedKeys(adjacency[v]) {
			if _, visited := index[w]; !visited {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			components = append(components, comp)
		}
	}

	for _, name := range names {
		if _, visited := index[name]; !visited {
			strongconnect(name)
		}
	}
	return components
}

func componentCyclic(comp []string, adjacency map[string]map[string]bool) bool {
	if len(comp) > 1 {
		return true
	}
	// Single node: cyclic only if it points at itself.
	return adjacency[comp[0]][comp[0]]
}

// buildLevels groups nodes into topological levels over the SCC
// condensation. Components at the same depth cannot depend on each other
// (any edge strictly increases depth), so their nodes form one parallel
// level. Cyclic components become their own iterative levels placed after
// the parallel batch at the same depth.
func buildLevels(components [][]string, adjacency map[string]map[string]bool) ([]Level, map[string]int) {
	compOf := make(map[string]int)
	for i, comp := range components {
		for _, name := range comp {
			compOf[name] = i
		}
	}

	// Longest-path depth per component over the condensation DAG, via
	// repeated relaxation. Component counts are small; termination is
	// guaranteed because the condensation is acyclic.
	depth := make([]int, len(components))
	for changed := true; changed; {
		changed = false
		for i, comp := range components {
			for _, member := range comp {
				for target := range adjacency[member] {
					j := compOf[target]
					if j == i {
						continue
					}
					if depth[j] <= depth[i] {
						depth[j] = depth[i] + 1
						changed = true
					}
				}
			}
		}
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	var levels []Level
	levelOf := make(map[string]int)
	for d := 0; d <= maxDepth; d++ {
		var parallel []string
		var iterative [][]string
		for i, comp := range components {
			if depth[i] != d {
				continue
			}
			if componentCyclic(comp, adjacency) {
				iterative = append(iterative, comp)
			} else {
				parallel = append(parallel, comp...)
			}
		}
		if len(parallel) > 0 {
			sort.Strings(parallel)
			for _, name := range parallel {
				levelOf[name] = len(levels)
			}
			levels = append(levels, Level{Nodes: parallel})
		}
		sort.Slice(iterative, func(a, b int) bool { return iterative[a][0] < iterative[b][0] })
		for _, comp := range iterative {
			for _, name := range comp {
				levelOf[name] = len(levels)
			}
			levels = append(levels, Level{Nodes: comp, Iterative: true})
		}
	}
	return levels, levelOf
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
