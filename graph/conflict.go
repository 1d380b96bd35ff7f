package graph

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// ConflictType categorizes a detected disagreement between two
// independently computed states.
//
// Field-level types (field-modification, list-operation, structure-change)
// are value-based: two updates disagree on a field whose strategy cannot
// combine them. ConflictVersionMismatch is lineage-based: a branch was
// computed from a checkpoint that is no longer the thread's head. The two
// categories carry independent resolution policies; resolving one never
// implies a policy for the other.
type ConflictType string

const (
	ConflictFieldModification ConflictType = "field-modification"
	ConflictListOperation     ConflictType = "list-operation"
	ConflictStructureChange   ConflictType = "structure-change"
	ConflictVersionMismatch   ConflictType = "version-mismatch"
)

// Conflict records one disagreement found during a merge attempt. Conflicts
// are transient: they are resolved or escalated, never persisted standalone.
type Conflict struct {
	Type       ConflictType `json:"type"`
	FieldPath  string       `json:"field_path"`
	Base       any          `json:"base"`
	Incoming   any          `json:"incoming"`
	DetectedAt time.Time    `json:"detected_at"`
}

func newConflict(t ConflictType, path string, base, incoming any) *Conflict {
	return &Conflict{
		Type:       t,
		FieldPath:  path,
		Base:       base,
		Incoming:   incoming,
		DetectedAt: time.Now().UTC(),
	}
}

// ResolutionStrategy selects how a ConflictResolver settles a conflict.
type ResolutionStrategy string

const (
	// ResolveLastWriteWins accepts the incoming value.
	ResolveLastWriteWins ResolutionStrategy = "last-write-wins"

	// ResolveFirstWriteWins keeps the base value.
	ResolveFirstWriteWins ResolutionStrategy = "first-write-wins"

	// ResolveStructural merges nested structures, failing on overlapping
	// scalar changes.
	ResolveStructural ResolutionStrategy = "structural-merge"

	// ResolveReject refuses resolution; the run escalates to Failed.
	ResolveReject ResolutionStrategy = "reject"
)

// Resolution is the audited outcome of resolving one conflict. Every
// resolution attempt, successful or not, is appended to the resolver's log.
type Resolution struct {
	Conflict   Conflict           `json:"conflict"`
	Strategy   ResolutionStrategy `json:"strategy"`
	Resolved   bool               `json:"resolved"`
	Value      any                `json:"value,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// ConflictResolver applies a resolution strategy to detected conflicts and
// keeps an in-order audit log of every outcome.
type ConflictResolver struct {
	mu  sync.Mutex
	log []Resolution
}

// NewConflictResolver creates an empty resolver.
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve settles a conflict with the given strategy. On success the
// returned Resolution carries the value to write back. On failure (reject,
// or a structural merge that still conflicts) it returns a ConflictError
// and the Resolution is logged unresolved.
func (r *ConflictResolver) Resolve(c Conflict, strategy ResolutionStrategy) (Resolution, error) {
	res := Resolution{
		Conflict:   c,
		Strategy:   strategy,
		ResolvedAt: time.Now().UTC(),
	}

	switch strategy {
	case ResolveLastWriteWins:
		res.Resolved = true
		res.Value = c.Incoming

	case ResolveFirstWriteWins:
		res.Resolved = true
		res.Value = c.Base

	case ResolveStructural:
		merged, err := deepMergeValues(c.Base, c.Incoming, "")
		if err != nil {
			r.record(res)
			return res, &ConflictError{Conflicts: []Conflict{c}}
		}
		res.Resolved = true
		res.Value = merged

	case ResolveReject:
		r.record(res)
		return res, &ConflictError{Conflicts: []Conflict{c}}

	default:
		r.record(res)
		return res, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	r.record(res)
	return res, nil
}

func (r *ConflictResolver) record(res Resolution) {
	r.mu.Lock()
	r.log = append(r.log, res)
	r.mu.Unlock()
}

// Log returns a copy of the audit log in resolution order.
func (r *ConflictResolver) Log() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resolution, len(r.log))
	copy(out, r.log)
	return out
}

// structuralConflictError signals that a structural merge found two
// different changes to the same path.
type structuralConflictError struct {
	path     string
	base     any
	incoming any
}

func (e *structuralConflictError) Error() string {
	return fmt.Sprintf("structural conflict at %q", e.path)
}

func asStructuralConflict(err error, target **structuralConflictError) bool {
	return errors.As(err, target)
}

// deepMergeValues recursively merges two values. Maps merge key-by-key;
// identical scalars pass through; anything else is a structural conflict.
func deepMergeValues(base, incoming any, path string) (any, error) {
	if base == nil {
		return incoming, nil
	}
	if incoming == nil {
		return base, nil
	}

	bm, bok := base.(map[string]any)
	im, iok := incoming.(map[string]any)
	if bok && iok {
		merged := make(map[string]any, len(bm)+len(im))
		for k, v := range bm {
			merged[k] = v
		}
		keys := make([]string, 0, len(im))
		for k := range im {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if bv, exists := merged[k]; exists {
				mv, err := deepMergeValues(bv, im[k], childPath)
				if err != nil {
					return nil, err
				}
				merged[k] = mv
			} else {
				merged[k] = im[k]
			}
		}
		return merged, nil
	}

	if reflect.DeepEqual(base, incoming) {
		return base, nil
	}
	return nil, &structuralConflictError{path: path, base: base, incoming: incoming}
}

// MergeFunc combines a base value and an incoming value for a field with
// the custom-merge strategy.
type MergeFunc func(base, incoming any) (any, error)

// MergeRegistry holds named custom merge functions. A fresh registry ships
// with two builtins:
//
//   - "deep-merge": structural merge of nested maps
//   - "set-union": order-preserving union of slices
type MergeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]MergeFunc
}

// NewMergeRegistry creates a registry pre-populated with the builtin merge
// functions.
func NewMergeRegistry() *MergeRegistry {
	r := &MergeRegistry{funcs: make(map[string]MergeFunc)}
	r.Register("deep-merge", func(base, incoming any) (any, error) {
		return deepMergeValues(base, incoming, "")
	})
	r.Register("set-union", func(base, incoming any) (any, error) {
		return appendValues(base, incoming, true), nil
	})
	return r
}

// Register adds or replaces a named merge function.
func (r *MergeRegistry) Register(name string, fn MergeFunc) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *MergeRegistry) lookup(name string) (MergeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
