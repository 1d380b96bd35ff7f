package graph

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestConflictResolver_Resolve(t *testing.T) {
	conflict := *newConflict(ConflictFieldModification, "answer", "base-value", "incoming-value")

	t.Run("last write wins takes incoming", func(t *testing.T) {
		resolver := NewConflictResolver()
		res, err := resolver.Resolve(conflict, ResolveLastWriteWins)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !res.Resolved || res.Value != "incoming-value" {
			t.Errorf("resolution = %+v, want resolved incoming-value", res)
		}
	})

	t.Run("first write wins keeps base", func(t *testing.T) {
		resolver := NewConflictResolver()
		res, err := resolver.Resolve(conflict, ResolveFirstWriteWins)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !res.Resolved || res.Value != "base-value" {
			t.Errorf("resolution = %+v, want resolved base-value", res)
		}
	})

	t.Run("structural merge combines maps", func(t *testing.T) {
		resolver := NewConflictResolver()
		c := *newConflict(ConflictStructureChange, "doc",
			map[string]any{"a": 1, "shared": map[string]any{"x": 1}},
			map[string]any{"b": 2, "shared": map[string]any{"y": 2}},
		)
		res, err := resolver.Resolve(c, ResolveStructural)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		want := map[string]any{
			"a": 1, "b": 2,
			"shared": map[string]any{"x": 1, "y": 2},
		}
		if !reflect.DeepEqual(res.Value, want) {
			t.Errorf("merged = %v, want %v", res.Value, want)
		}
	})

	t.Run("structural merge fails on overlapping scalars", func(t *testing.T) {
		resolver := NewConflictResolver()
		c := *newConflict(ConflictStructureChange, "doc",
			map[string]any{"k": "one"},
			map[string]any{"k": "two"},
		)
		res, err := resolver.Resolve(c, ResolveStructural)
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
		if res.Resolved {
			t.Error("resolution should be unresolved")
		}
	})

	t.Run("reject escalates", func(t *testing.T) {
		resolver := NewConflictResolver()
		_, err := resolver.Resolve(conflict, ResolveReject)
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
		if len(ce.Conflicts) != 1 || ce.Conflicts[0].FieldPath != "answer" {
			t.Errorf("conflict error = %+v, want the rejected conflict", ce)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		resolver := NewConflictResolver()
		if _, err := resolver.Resolve(conflict, "coin-flip"); err == nil {
			t.Fatal("expected error for unknown strategy")
		}
	})
}

func TestConflictResolver_Log(t *testing.T) {
	resolver := NewConflictResolver()
	first := *newConflict(ConflictFieldModification, "a", 1, 2)
	second := *newConflict(ConflictFieldModification, "b", 3, 4)

	if _, err := resolver.Resolve(first, ResolveLastWriteWins); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Failed resolutions are logged too.
	if _, err := resolver.Resolve(second, ResolveReject); err == nil {
		t.Fatal("expected reject error")
	}

	log := resolver.Log()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2", len(log))
	}
	if log[0].Conflict.FieldPath != "a" || !log[0].Resolved {
		t.Errorf("log[0] = %+v, want resolved conflict on a", log[0])
	}
	if log[1].Conflict.FieldPath != "b" || log[1].Resolved {
		t.Errorf("log[1] = %+v, want unresolved conflict on b", log[1])
	}

	// The returned slice is a copy.
	log[0].Conflict.FieldPath = "mutated"
	if resolver.Log()[0].Conflict.FieldPath != "a" {
		t.Error("log mutation leaked into the resolver")
	}
}

func TestMergeRegistry(t *testing.T) {
	t.Run("builtin deep-merge", func(t *testing.T) {
		registry := NewMergeRegistry()
		fn, ok := registry.lookup("deep-merge")
		if !ok {
			t.Fatal("deep-merge not registered")
		}
		merged, err := fn(map[string]any{"a": 1}, map[string]any{"b": 2})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if !reflect.DeepEqual(merged, map[string]any{"a": 1, "b": 2}) {
			t.Errorf("merged = %v", merged)
		}
	})

	t.Run("builtin set-union", func(t *testing.T) {
		registry := NewMergeRegistry()
		fn, ok := registry.lookup("set-union")
		if !ok {
			t.Fatal("set-union not registered")
		}
		merged, err := fn([]any{"a", "b"}, []any{"b", "c"})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if !reflect.DeepEqual(merged, []any{"a", "b", "c"}) {
			t.Errorf("merged = %v", merged)
		}
	})

	t.Run("custom registration", func(t *testing.T) {
		registry := NewMergeRegistry()
		registry.Register("concat", func(base, incoming any) (any, error) {
			return fmt.Sprint(base) + fmt.Sprint(incoming), nil
		})
		fn, ok := registry.lookup("concat")
		if !ok {
			t.Fatal("concat not registered")
		}
		merged, err := fn("foo", "bar")
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if merged != "foobar" {
			t.Errorf("merged = %v, want foobar", merged)
		}
	})
}
