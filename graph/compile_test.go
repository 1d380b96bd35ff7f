package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// testCompiler builds a compiler whose registry resolves any handler
// reference, so structural validation can be tested in isolation.
func testCompiler() *Compiler {
	registry := NewStepRegistry()
	registry.SetFallback(namedHandler("noop"))
	return NewCompiler(registry, NewConditionEvaluator())
}

func issueMessages(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	msgs := make([]string, len(ve.Issues))
	for i, issue := range ve.Issues {
		msgs[i] = issue.Message
	}
	return msgs
}

func requireIssue(t *testing.T, msgs []string, substr string) {
	t.Helper()
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return
		}
	}
	t.Errorf("no issue containing %q in %v", substr, msgs)
}

func TestCompiler_Compile_Valid(t *testing.T) {
	registry := NewStepRegistry()
	for _, name := range []string{"fetch", "summarize", "publish"} {
		if err := registry.Register(name, namedHandler(name)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	c := NewCompiler(registry, NewConditionEvaluator())

	def := GraphDefinition{
		Name:       "pipeline",
		EntryPoint: "fetch",
		Nodes: map[string]NodeSpec{
			"fetch":     {Handler: "fetch"},
			"summarize": {Handler: "summarize"},
			"publish":   {Handler: "publish"},
		},
		Edges: []EdgeSpec{
			{From: "fetch", To: "summarize"},
			{From: "summarize", To: "publish"},
			{From: "publish", To: End},
		},
	}

	g, err := c.Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if g.Name() != "pipeline" || g.EntryPoint() != "fetch" {
		t.Errorf("compiled identity = %s/%s", g.Name(), g.EntryPoint())
	}
	if !g.HasNode("summarize") || g.HasNode("missing") {
		t.Error("HasNode misreports membership")
	}
	if len(g.Warnings()) != 0 {
		t.Errorf("unexpected warnings: %v", g.Warnings())
	}

	want := []Level{
		{Nodes: []string{"fetch"}},
		{Nodes: []string{"summarize"}},
		{Nodes: []string{"publish"}},
	}
	if !reflect.DeepEqual(g.Levels(), want) {
		t.Errorf("levels = %v, want %v", g.Levels(), want)
	}
}

func TestCompiler_Compile_CollectsAllIssues(t *testing.T) {
	registry := NewStepRegistry() // no handlers registered, no fallback
	c := NewCompiler(registry, NewConditionEvaluator())

	def := GraphDefinition{
		EntryPoint: "missing_entry",
		StateSchema: StateSchema{
			"bad_field":    {Strategy: "mode"},
			"custom_field": {Strategy: MergeCustom},
		},
		Nodes: map[string]NodeSpec{
			"a": {Handler: "unregistered"},
			"b": {},                                     // missing handler
			"c": {Handler: "also_missing", MaxIterations: -2}, // negative bound
		},
		Edges: []EdgeSpec{
			{From: "a", To: "ghost"},
			{From: "ghost", To: "a"},
			{From: "b"}, // simple edge with no target
		},
	}

	_, err := c.Compile(def)
	msgs := issueMessages(t, err)
	if len(msgs) < 7 {
		t.Fatalf("issues = %d (%v), want every problem reported at once", len(msgs), msgs)
	}
	requireIssue(t, msgs, "unregistered")
	requireIssue(t, msgs, "missing handler")
	requireIssue(t, msgs, "max_iterations")
	requireIssue(t, msgs, "unknown merge strategy")
	requireIssue(t, msgs, "custom-merge requires")
	requireIssue(t, msgs, `entry_point "missing_entry"`)
	requireIssue(t, msgs, `target "ghost"`)
	requireIssue(t, msgs, "source is not a node")
	requireIssue(t, msgs, "missing target")
}

func TestCompiler_Compile_MergeStrategySpellings(t *testing.T) {
	c := testCompiler()
	defFor := func(spec FieldSpec) GraphDefinition {
		return GraphDefinition{
			EntryPoint:  "a",
			StateSchema: StateSchema{"topic": spec},
			Nodes:       map[string]NodeSpec{"a": {Handler: "a"}},
			Edges:       []EdgeSpec{{From: "a", To: End}},
		}
	}

	// The hyphenated spellings are the documented ones.
	for _, spec := range []FieldSpec{
		{Strategy: MergeReplace},
		{Strategy: MergeAppend},
		{Strategy: "first-wins"},
		{Strategy: MergeMax},
		{Strategy: "custom-merge", Merge: "deep-merge"},
	} {
		if _, err := c.Compile(defFor(spec)); err != nil {
			t.Errorf("Compile with strategy %q: %v", spec.Strategy, err)
		}
	}

	_, err := c.Compile(defFor(FieldSpec{Strategy: "first_wins"}))
	requireIssue(t, issueMessages(t, err), `unknown merge strategy "first_wins"`)
}

func TestCompiler_Compile_EdgeValidation(t *testing.T) {
	c := testCompiler()

	t.Run("both to and branches", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: "a",
			Nodes:      map[string]NodeSpec{"a": {Handler: "h"}, "b": {Handler: "h"}},
			Edges: []EdgeSpec{{
				From:     "a",
				To:       "b",
				Branches: []BranchSpec{{Predicate: "has_error", To: "b"}},
				Default:  "b",
			}},
		}
		_, err := c.Compile(def)
		requireIssue(t, issueMessages(t, err), "cannot set both")
	})

	t.Run("unknown branch target and predicate", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: "a",
			Nodes:      map[string]NodeSpec{"a": {Handler: "h"}},
			Edges: []EdgeSpec{{
				From:     "a",
				Branches: []BranchSpec{{Predicate: "not_a_predicate", To: "nowhere"}},
				Default:  "elsewhere",
			}},
		}
		_, err := c.Compile(def)
		msgs := issueMessages(t, err)
		requireIssue(t, msgs, `branch target "nowhere"`)
		requireIssue(t, msgs, `unknown predicate "not_a_predicate"`)
		requireIssue(t, msgs, `default target "elsewhere"`)
	})

	t.Run("node key collides with terminal marker", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: End,
			Nodes:      map[string]NodeSpec{End: {Handler: "h"}},
		}
		_, err := c.Compile(def)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("node name key mismatch", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: "a",
			Nodes:      map[string]NodeSpec{"a": {Name: "something_else", Handler: "h"}},
		}
		_, err := c.Compile(def)
		requireIssue(t, issueMessages(t, err), "does not match its key")
	})

	t.Run("empty definition", func(t *testing.T) {
		_, err := c.Compile(GraphDefinition{})
		requireIssue(t, issueMessages(t, err), "no nodes")
	})
}

func TestCompiler_Compile_Cycles(t *testing.T) {
	c := testCompiler()

	t.Run("unbounded cycle fails", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: "a",
			Nodes: map[string]NodeSpec{
				"a": {Handler: "h"},
				"b": {Handler: "h"},
			},
			Edges: []EdgeSpec{
				{From: "a", To: "b"},
				{From: "b", To: "a"},
			},
		}
		_, err := c.Compile(def)
		requireIssue(t, issueMessages(t, err), "no iteration bound")
	})

	t.Run("bounded cycle becomes iterative level", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: "start",
			Nodes: map[string]NodeSpec{
				"start": {Handler: "h"},
				"work":  {Handler: "h", MaxIterations: 5},
				"check": {Handler: "h"},
				"done":  {Handler: "h"},
			},
			Edges: []EdgeSpec{
				{From: "start", To: "work"},
				{From: "work", To: "check"},
				{From: "check", Branches: []BranchSpec{
					{Predicate: "iteration_max", Params: map[string]any{"node": "work", "max": 5}, To: "done"},
				}, Default: "work"},
				{From: "done", To: End},
			},
		}
		g, err := c.Compile(def)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		var iterative *Level
		for i := range g.Levels() {
			if g.Levels()[i].Iterative {
				iterative = &g.Levels()[i]
			}
		}
		if iterative == nil {
			t.Fatalf("no iterative level in %v", g.Levels())
		}
		if !reflect.DeepEqual(iterative.Nodes, []string{"check", "work"}) {
			t.Errorf("iterative level = %v, want [check work]", iterative.Nodes)
		}
	})

	t.Run("bounded self loop", func(t *testing.T) {
		def := GraphDefinition{
			EntryPoint: "loop",
			Nodes:      map[string]NodeSpec{"loop": {Handler: "h", MaxIterations: 3}},
			Edges:      []EdgeSpec{{From: "loop", To: "loop"}},
		}
		g, err := c.Compile(def)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if !g.Levels()[0].Iterative {
			t.Errorf("self loop level should be iterative: %v", g.Levels())
		}
	})
}

func TestCompiler_Compile_LevelGrouping(t *testing.T) {
	c := testCompiler()

	// Diamond: fan out to three independent branches that rejoin.
	def := GraphDefinition{
		EntryPoint: "split",
		Nodes: map[string]NodeSpec{
			"split":  {Handler: "h"},
			"east":   {Handler: "h"},
			"west":   {Handler: "h"},
			"north":  {Handler: "h"},
			"gather": {Handler: "h"},
		},
		Edges: []EdgeSpec{
			{From: "split", To: "east"},
			{From: "split", To: "west"},
			{From: "split", To: "north"},
			{From: "east", To: "gather"},
			{From: "west", To: "gather"},
			{From: "north", To: "gather"},
			{From: "gather", To: End},
		},
	}

	g, err := c.Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := []Level{
		{Nodes: []string{"split"}},
		{Nodes: []string{"east", "north", "west"}},
		{Nodes: []string{"gather"}},
	}
	if !reflect.DeepEqual(g.Levels(), want) {
		t.Errorf("levels = %v, want %v", g.Levels(), want)
	}
	if g.LevelOf("east") != 1 || g.LevelOf("gather") != 2 {
		t.Errorf("level lookup: east=%d gather=%d", g.LevelOf("east"), g.LevelOf("gather"))
	}
}

func TestCompiler_Compile_Warnings(t *testing.T) {
	c := testCompiler()

	def := GraphDefinition{
		EntryPoint: "a",
		Nodes: map[string]NodeSpec{
			"a":      {Handler: "unknown_ref"}, // resolves through fallback
			"orphan": {Handler: "unknown_ref"},
		},
		Edges: []EdgeSpec{
			{From: "a", Branches: []BranchSpec{{Predicate: "has_error", To: "a"}}},
		},
	}
	// Bound the self-referencing branch so the cycle is legal.
	node := def.Nodes["a"]
	node.MaxIterations = 2
	def.Nodes["a"] = node

	g, err := c.Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	warnings := strings.Join(g.Warnings(), "\n")
	for _, want := range []string{
		"fallback",
		"without default",
		"unreachable",
	} {
		if !strings.Contains(warnings, want) {
			t.Errorf("warnings missing %q:\n%s", want, warnings)
		}
	}
}
