package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Update is the partial state update returned by a node handler. Keys are
// field names from the state schema; values are merged into the container
// according to each field's declared strategy.
type Update map[string]any

// FailureRecord is one entry in a state's error log. Runtime failures are
// always recorded before any state transition so a Failed run can be
// inspected post-mortem.
type FailureRecord struct {
	Node    string    `json:"node"`
	Kind    string    `json:"kind"`
	Error   string    `json:"error"`
	Attempt int       `json:"attempt,omitempty"`
	At      time.Time `json:"at"`
}

// StateView is the read-only view of a StateContainer handed to node
// handlers and predicates. Handlers never mutate state directly; they return
// an Update that the engine merges.
type StateView interface {
	// ThreadID identifies the execution lineage that owns this state.
	ThreadID() string

	// CurrentNode is the node most recently recorded as executing.
	CurrentNode() string

	// Get returns a field value and whether it is set.
	Get(field string) (any, bool)

	// Fields returns a deep copy of all fields.
	Fields() map[string]any

	// Iterations returns how many times the named node has executed in the
	// current run.
	Iterations(node string) int

	// Errors returns the recorded failure log.
	Errors() []FailureRecord
}

// StateContainer is the versioned, mergeable key/value execution state
// carried between steps. Each field's merge behavior is declared in the
// graph's StateSchema. The container is exclusively owned by the engine
// instance driving one run; checkpoint snapshots of it persist
// independently.
type StateContainer struct {
	mu sync.RWMutex
	d  stateData
}

// stateData is the serializable form of a StateContainer. Checkpoints store
// exactly this shape.
type stateData struct {
	ThreadID    string          `json:"thread_id"`
	Version     int             `json:"version"`
	CurrentNode string          `json:"current_node,omitempty"`
	Schema      StateSchema     `json:"schema,omitempty"`
	Fields      map[string]any  `json:"fields"`
	Iterations  map[string]int  `json:"iterations,omitempty"`
	ErrorLog    []FailureRecord `json:"error_log,omitempty"`
}

// NewState creates a StateContainer for the given thread from an initial
// payload. The initial payload is deep-copied; later mutations of the input
// map do not affect the container.
func NewState(threadID string, schema StateSchema, initial map[string]any) (*StateContainer, error) {
	fields, err := deepCopyMap(initial)
	if err != nil {
		return nil, fmt.Errorf("initial state is not serializable: %w", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return &StateContainer{d: stateData{
		ThreadID:   threadID,
		Schema:     schema,
		Fields:     fields,
		Iterations: make(map[string]int),
	}}, nil
}

// ThreadID implements StateView.
func (s *StateContainer) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.ThreadID
}

// Version returns the state's monotonic merge version.
func (s *StateContainer) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Version
}

// CurrentNode implements StateView.
func (s *StateContainer) CurrentNode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.CurrentNode
}

// Get implements StateView.
func (s *StateContainer) Get(field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.d.Fields[field]
	return v, ok
}

// Fields implements StateView. The returned map is a deep copy.
func (s *StateContainer) Fields() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied, err := deepCopyMap(s.d.Fields)
	if err != nil {
		// Fields were validated serializable on the way in.
		return make(map[string]any)
	}
	return copied
}

// Iterations implements StateView.
func (s *StateContainer) Iterations(node string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Iterations[node]
}

// Errors implements StateView.
func (s *StateContainer) Errors() []FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FailureRecord, len(s.d.ErrorLog))
	copy(out, s.d.ErrorLog)
	return out
}

// Schema returns the attached merge schema.
func (s *StateContainer) Schema() StateSchema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Schema
}

// RecordFailure appends a failure record to the error log.
func (s *StateContainer) RecordFailure(rec FailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	s.d.ErrorLog = append(s.d.ErrorLog, rec)
}

// beginIteration records one execution of the node and returns the new
// per-run count.
func (s *StateContainer) beginIteration(node string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Iterations[node]++
	s.d.CurrentNode = node
	return s.d.Iterations[node]
}

// Apply merges a partial update into the state, one field at a time, using
// each field's declared strategy. Fields are processed in sorted name order
// so merges are deterministic regardless of handler completion order.
//
// Conflicting fields are left at their base value and returned as Conflicts
// for the resolver; non-conflicting fields in the same update are still
// merged. The version is bumped once per Apply that changes anything.
func (s *StateContainer) Apply(u Update, merges *MergeRegistry) ([]Conflict, error) {
	if len(u) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)

	var conflicts []Conflict
	wrote := false
	for _, name := range names {
		incoming := u[name]
		base, baseSet := s.d.Fields[name]
		spec := s.d.Schema[name] // zero value defaults to replace

		merged, conflict, err := mergeField(name, spec, base, baseSet, incoming, merges)
		if err != nil {
			return conflicts, err
		}
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
			continue
		}
		s.d.Fields[name] = merged
		wrote = true
	}

	if wrote {
		s.d.Version++
	}
	return conflicts, nil
}

// forceSet writes a resolved value directly at a dotted field path, bypassing
// merge strategies. Intermediate segments that are not maps are replaced, so a
// resolution at "doc.title" rewrites only that leaf and leaves sibling keys
// alone. Used by the engine after conflict resolution.
func (s *StateContainer) forceSet(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := strings.Split(path, ".")
	container := s.d.Fields
	for _, part := range parts[:len(parts)-1] {
		child, ok := container[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			container[part] = child
		}
		container = child
	}
	container[parts[len(parts)-1]] = value
	s.d.Version++
}

// Clone returns an independent deep copy of the container. Cloning uses a
// JSON round-trip, so field values must be JSON-serializable; handlers that
// put channels or functions into state are not supported.
func (s *StateContainer) Clone() (*StateContainer, error) {
	s.mu.RLock()
	data, err := json.Marshal(s.d)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var d stateData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	if d.Iterations == nil {
		d.Iterations = make(map[string]int)
	}
	return &StateContainer{d: d}, nil
}

// MarshalJSON serializes the container for checkpointing.
func (s *StateContainer) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.d)
}

// UnmarshalJSON restores a container from a checkpoint snapshot.
func (s *StateContainer) UnmarshalJSON(data []byte) error {
	var d stateData
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	if d.Iterations == nil {
		d.Iterations = make(map[string]int)
	}
	s.mu.Lock()
	s.d = d
	s.mu.Unlock()
	return nil
}

// mergeField combines base and incoming per the field spec. It returns the
// merged value, or a Conflict when the values cannot be combined under the
// declared strategy.
func mergeField(name string, spec FieldSpec, base any, baseSet bool, incoming any, merges *MergeRegistry) (any, *Conflict, error) {
	strategy := spec.Strategy
	if strategy == "" {
		strategy = MergeReplace
	}
	if !baseSet && strategy != MergeCustom {
		return incoming, nil, nil
	}

	switch strategy {
	case MergeReplace:
		return incoming, nil, nil

	case MergeFirstWins:
		if base != nil {
			return base, nil, nil
		}
		return incoming, nil, nil

	case MergeAppend:
		return appendValues(base, incoming, spec.Dedup), nil, nil

	case MergeMax:
		bf, bok := toFloat(base)
		inf, iok := toFloat(incoming)
		if !bok || !iok {
			return nil, newConflict(ConflictFieldModification, name, base, incoming), nil
		}
		if inf > bf {
			return incoming, nil, nil
		}
		return base, nil, nil

	case MergeCustom:
		if merges == nil {
			return nil, nil, fmt.Errorf("field %s: %w: no merge registry", name, ErrUnknownMerge)
		}
		fn, ok := merges.lookup(spec.Merge)
		if !ok {
			return nil, nil, fmt.Errorf("field %s: %w: %q", name, ErrUnknownMerge, spec.Merge)
		}
		merged, err := fn(base, incoming)
		if err != nil {
			var sc *structuralConflictError
			if asStructuralConflict(err, &sc) {
				path := name
				if sc.path != "" {
					path = name + "." + sc.path
				}
				return nil, newConflict(conflictTypeOf(sc.base, sc.incoming), path, sc.base, sc.incoming), nil
			}
			return nil, nil, fmt.Errorf("field %s: merge %q: %w", name, spec.Merge, err)
		}
		return merged, nil, nil

	default:
		return nil, nil, fmt.Errorf("field %s: unknown merge strategy %q", name, spec.Strategy)
	}
}

// conflictTypeOf classifies an unmergeable pair: disagreeing lists are
// list-operation conflicts, everything else is a structure change.
func conflictTypeOf(base, incoming any) ConflictType {
	if isSlice(base) && isSlice(incoming) {
		return ConflictListOperation
	}
	return ConflictStructureChange
}

func isSlice(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Kind() == reflect.Slice
}

// appendValues concatenates base and incoming as slices, preserving arrival
// order. Scalars are treated as one-element histories.
func appendValues(base, incoming any, dedup bool) []any {
	out := append(toSlice(base), toSlice(incoming)...)
	if !dedup {
		return out
	}
	deduped := make([]any, 0, len(out))
	for _, v := range out {
		seen := false
		for _, kept := range deduped {
			if reflect.DeepEqual(v, kept) {
				seen = true
				break
			}
		}
		if !seen {
			deduped = append(deduped, v)
		}
	}
	return deduped
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return []any{v}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// deepCopyMap copies a field map via JSON round-trip. This is the same
// approach used for full-state cloning: it handles nested maps, slices, and
// scalars, and rejects values that cannot survive checkpointing anyway.
func deepCopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return copied, nil
}
