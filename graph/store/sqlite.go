package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints in a single-file SQLite database.
// Zero-setup persistence for local workflows and development; use
// MySQLStore when multiple processes need the same checkpoint history.
//
// WAL mode is enabled so readers don't block behind the single writer.
// Pass ":memory:" for an ephemeral database in tests.
type SQLiteStore struct {
	db      *sql.DB
	writers *threadLocks
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	version    INTEGER NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	state      BLOB NOT NULL,
	UNIQUE (thread_id, version)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, version);
`

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite supports a single writer; keep one connection so the writer
	// lock actually serializes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{db: db, writers: newThreadLocks()}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save implements Store. Version assignment and insert happen in one
// transaction under the thread's writer lock.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, state []byte, parentID string, meta map[string]any) (Checkpoint, error) {
	writer := s.writers.get(threadID)
	writer.Lock()
	defer writer.Unlock()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("marshal checkpoint metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var version int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE thread_id = ?",
		threadID,
	).Scan(&version)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("next version: %w", err)
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

	_, err = tx.ExecContext(ctx,
		"INSERT INTO checkpoints (id, thread_id, version, parent_id, created_at, metadata, state) VALUES (?, ?, ?, ?, ?, ?, ?)",
		cp.ID, cp.ThreadID, cp.Version, cp.ParentID, cp.CreatedAt, string(metaJSON), cp.State,
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, thread_id, version, parent_id, created_at, metadata, state FROM checkpoints WHERE thread_id = ? AND id = ?",
		threadID, checkpointID,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, &NotFoundError{ThreadID: threadID, CheckpointID: checkpointID}
	}
	return cp, err
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, thread_id, version, parent_id, created_at, metadata, state FROM checkpoints WHERE thread_id = ? ORDER BY version DESC LIMIT 1",
		threadID,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, &NotFoundError{ThreadID: threadID}
	}
	return cp, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]CheckpointMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, thread_id, version, parent_id, created_at, metadata FROM checkpoints WHERE thread_id = ? ORDER BY version ASC",
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointMeta
	for rows.Next() {
		var meta CheckpointMeta
		var metaJSON string
		if err := rows.Scan(&meta.ID, &meta.ThreadID, &meta.Version, &meta.ParentID, &meta.CreatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &meta.Metadata); err != nil {
			return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, threadID, checkpointID string) (bool, error) {
	writer := s.writers.get(threadID)
	writer.Lock()
	defer writer.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE thread_id = ? AND id = ?",
		threadID, checkpointID,
	)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// scanCheckpoint reads one full checkpoint row.
func scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var cp Checkpoint
	var metaJSON string
	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.Version, &cp.ParentID, &cp.CreatedAt, &metaJSON, &cp.State)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &cp.Metadata); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint metadata: %w", err)
	}
	return cp, nil
}
