// Package store provides checkpoint persistence for graph execution.
//
// A checkpoint is an immutable, versioned snapshot of a thread's state.
// Implementations guarantee:
//
//   - versions are monotonic per thread
//   - Save never mutates an existing checkpoint (copy-on-write)
//   - concurrent saves for the same thread are serialized by a per-thread
//     lock, never a store-wide lock, so independent threads don't contend
//   - Load of a missing checkpoint fails with a NotFoundError, never a
//     silent empty state
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is the sentinel matched by errors.Is for missing threads and
// checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// NotFoundError reports which checkpoint lookup failed. It matches
// ErrNotFound under errors.Is.
type NotFoundError struct {
	ThreadID     string
	CheckpointID string
}

func (e *NotFoundError) Error() string {
	if e.CheckpointID == "" {
		return fmt.Sprintf("thread %s has no checkpoints", e.ThreadID)
	}
	return fmt.Sprintf("checkpoint %s not found for thread %s", e.CheckpointID, e.ThreadID)
}

// Is matches the ErrNotFound sentinel.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CheckpointMeta is checkpoint metadata without the state payload, as
// returned by List.
type CheckpointMeta struct {
	// ID is the checkpoint's unique identifier.
	ID string `json:"id"`

	// ThreadID is the owning execution lineage.
	ThreadID string `json:"thread_id"`

	// Version is the monotonic per-thread version.
	Version int `json:"version"`

	// ParentID links branch lineage: the checkpoint this one was computed
	// from, empty for the first checkpoint of a thread.
	ParentID string `json:"parent_id,omitempty"`

	// CreatedAt is the capture time.
	CreatedAt time.Time `json:"created_at"`

	// Metadata is free-form caller data recorded with the snapshot.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is a full snapshot: metadata plus the serialized state.
type Checkpoint struct {
	CheckpointMeta

	// State is the JSON-serialized state container at capture time.
	State []byte `json:"state"`
}

// Store is the pluggable checkpoint backend consumed by the engine.
// In-memory, embedded database, and networked implementations all satisfy
// the same contract.
type Store interface {
	// Save persists a new checkpoint for the thread and returns it with its
	// assigned id and version. The state bytes are copied; callers may reuse
	// the buffer.
	Save(ctx context.Context, threadID string, state []byte, parentID string, meta map[string]any) (Checkpoint, error)

	// Load retrieves one checkpoint by thread and id.
	Load(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)

	// Latest retrieves the thread's highest-version checkpoint.
	Latest(ctx context.Context, threadID string) (Checkpoint, error)

	// List returns all checkpoint metadata for the thread, oldest first.
	List(ctx context.Context, threadID string) ([]CheckpointMeta, error)

	// Delete removes a checkpoint, reporting whether it existed.
	Delete(ctx context.Context, threadID, checkpointID string) (bool, error)
}

// threadLocks hands out one mutex per thread id so same-thread writers
// serialize without blocking other threads.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *threadLocks) get(threadID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[threadID] = l
	}
	return l
}
