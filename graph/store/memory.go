package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. Designed for tests, development, and
// short-lived workflows; everything is lost when the process exits.
type MemStore struct {
	mu      sync.RWMutex
	writers *threadLocks
	threads map[string][]Checkpoint // threadID -> checkpoints, version order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		writers: newThreadLocks(),
		threads: make(map[string][]Checkpoint),
	}
}

// Save implements Store. The per-thread writer lock assigns versions
// without racing concurrent saves for the same thread.
func (m *MemStore) Save(_ context.Context, threadID string, state []byte, parentID string, meta map[string]any) (Checkpoint, error) {
	writer := m.writers.get(threadID)
	writer.Lock()
	defer writer.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	version := 1
	if existing := m.threads[threadID]; len(existing) > 0 {
		version = existing[len(existing)-1].Version + 1
	}

	cp := Checkpoint{
		CheckpointMeta: CheckpointMeta{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			Version:   version,
			ParentID:  parentID,
			CreatedAt: time.Now().UTC(),
			Metadata:  copyMeta(meta),
		},
		State: append([]byte(nil), state...),
	}
	m.threads[threadID] = append(m.threads[threadID], cp)
	return cp, nil
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, threadID, checkpointID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.threads[threadID] {
		if cp.ID == checkpointID {
			return copyCheckpoint(cp), nil
		}
	}
	return Checkpoint{}, &NotFoundError{ThreadID: threadID, CheckpointID: checkpointID}
}

// Latest implements Store.
func (m *MemStore) Latest(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return Checkpoint{}, &NotFoundError{ThreadID: threadID}
	}
	return copyCheckpoint(cps[len(cps)-1]), nil
}

// List implements Store. Returned metadata is ordered oldest first.
func (m *MemStore) List(_ context.Context, threadID string) ([]CheckpointMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	out := make([]CheckpointMeta, len(cps))
	for i, cp := range cps {
		out[i] = cp.CheckpointMeta
		out[i].Metadata = copyMeta(cp.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, threadID, checkpointID string) (bool, error) {
	writer := m.writers.get(threadID)
	writer.Lock()
	defer writer.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.threads[threadID]
	for i, cp := range cps {
		if cp.ID == checkpointID {
			m.threads[threadID] = append(cps[:i:i], cps[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func copyCheckpoint(cp Checkpoint) Checkpoint {
	out := cp
	out.State = append([]byte(nil), cp.State...)
	out.Metadata = copyMeta(cp.Metadata)
	return out
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
