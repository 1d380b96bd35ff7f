package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore persists checkpoints in MySQL for workflows that outlive a
// single process or host restart. Same-thread writers are serialized both
// locally (per-thread lock) and in the database (SELECT ... FOR UPDATE on
// the thread's version row range), so version assignment survives multiple
// engine processes sharing one database.
type MySQLStore struct {
	db      *sql.DB
	writers *threadLocks
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         VARCHAR(36) PRIMARY KEY,
	thread_id  VARCHAR(255) NOT NULL,
	version    INT NOT NULL,
	parent_id  VARCHAR(36) NOT NULL DEFAULT '',
	created_at TIMESTAMP(6) NOT NULL,
	metadata   JSON NOT NULL,
	state      MEDIUMBLOB NOT NULL,
	UNIQUE KEY uniq_thread_version (thread_id, version),
	KEY idx_thread (thread_id)
)`

// NewMySQLStore connects using a go-sql-driver DSN (the DSN must include
// parseTime=true) and runs migrations.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if _, err := db.Exec(mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &MySQLStore{db: db, writers: newThreadLocks()}, nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, threadID string, state []byte, parentID string, meta map[string]any) (Checkpoint, error) {
	writer := s.writers.get(threadID)
	writer.Lock()
	defer writer.Unlock()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	if meta == nil {
		metaJSON = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var version int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE thread_id = ? FOR UPDATE",
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
func (s *MySQLStore) Load(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
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
func (s *MySQLStore) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
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
func (s *MySQLStore) List(ctx context.Context, threadID string) ([]CheckpointMeta, error) {
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
		var metaJSON []byte
		if err := rows.Scan(&meta.ID, &meta.ThreadID, &meta.Version, &meta.ParentID, &meta.CreatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint metadata: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &meta.Metadata); err != nil {
			return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, threadID, checkpointID string) (bool, error) {
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
