// Package sqlite provides a SQLite checkpoint backend on the pure-Go
// modernc.org/sqlite driver. Suitable for single-process production use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage/sqlite/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// blobBatch bounds the number of keys per blob lookup so the statement
// stays under SQLite's bound-parameter limit.
const blobBatch = 200

// Backend persists checkpoint records in SQLite.
type Backend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)

// DefaultBusyTimeout is how long a writer waits for a locked database file.
const DefaultBusyTimeout = 5 * time.Second

type openConfig struct {
	busyTimeout time.Duration
}

// Option configures Open.
type Option func(*openConfig)

// WithBusyTimeout sets how long a writer waits for another connection's
// lock before failing. Ignored for MemoryPath.
// Default: 5s
func WithBusyTimeout(d time.Duration) Option {
	return func(c *openConfig) {
		if d > 0 {
			c.busyTimeout = d
		}
	}
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use MemoryPath for a throwaway database.
func Open(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	cfg := openConfig{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", dsn(path, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	b, err := NewFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewFromDB wraps an existing handle and applies the schema. The backend
// takes ownership of db and closes it on Close.
func NewFromDB(ctx context.Context, db *sql.DB) (*Backend, error) {
	if db == nil {
		return nil, errors.New("sqlite db is required")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Backend{db: db}, nil
}

func dsn(path string, busyTimeout time.Duration) string {
	if path == MemoryPath {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, sep, busyTimeout.Milliseconds())
}

// Atomic implements storage.Backend.
func (b *Backend) Atomic(ctx context.Context, fn func(storage.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return storage.ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const checkpointColumns = `thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata, channel_versions`

// GetCheckpoint implements storage.Backend.
func (b *Backend) GetCheckpoint(ctx context.Context, threadID, namespace, checkpointID string) (*storage.CheckpointRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	var row *sql.Row
	if checkpointID == "" {
		row = b.db.QueryRowContext(ctx, `
			SELECT `+checkpointColumns+` FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ?
			ORDER BY checkpoint_id DESC LIMIT 1
		`, threadID, namespace)
	} else {
		row = b.db.QueryRowContext(ctx, `
			SELECT `+checkpointColumns+` FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		`, threadID, namespace, checkpointID)
	}

	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return rec, nil
}

// ListCheckpoints implements storage.Backend.
func (b *Backend) ListCheckpoints(ctx context.Context, q storage.ListQuery) ([]storage.CheckpointRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{q.ThreadID, q.Namespace}
	if q.Before != "" {
		query += ` AND checkpoint_id < ?`
		args = append(args, q.Before)
	}
	query += ` ORDER BY checkpoint_id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []storage.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// GetBlobs implements storage.Backend.
func (b *Backend) GetBlobs(ctx context.Context, threadID, namespace string, keys []storage.BlobKey) ([]storage.BlobRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	out := make([]storage.BlobRecord, 0, len(keys))
	for start := 0; start < len(keys); start += blobBatch {
		end := min(start+blobBatch, len(keys))
		batch := keys[start:end]

		clauses := make([]string, len(batch))
		args := make([]any, 0, 2+2*len(batch))
		args = append(args, threadID, namespace)
		for i, k := range batch {
			clauses[i] = "(channel = ? AND version = ?)"
			args = append(args, k.Channel, k.Version)
		}

		rows, err := b.db.QueryContext(ctx, `
			SELECT channel, version, type, blob FROM checkpoint_blobs
			WHERE thread_id = ? AND checkpoint_ns = ? AND (`+strings.Join(clauses, " OR ")+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("query blobs: %w", err)
		}
		for rows.Next() {
			rec := storage.BlobRecord{ThreadID: threadID, Namespace: namespace}
			if err := rows.Scan(&rec.Channel, &rec.Version, &rec.Type, &rec.Blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan blob: %w", err)
			}
			out = append(out, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate blobs: %w", err)
		}
	}
	return out, nil
}

// GetWrites implements storage.Backend.
func (b *Backend) GetWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]storage.WriteRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT task_id, idx, channel, type, blob FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx
	`, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("query writes: %w", err)
	}
	defer rows.Close()

	var out []storage.WriteRecord
	for rows.Next() {
		w := storage.WriteRecord{ThreadID: threadID, Namespace: namespace, CheckpointID: checkpointID}
		var typ sql.NullString
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &typ, &w.Blob); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		w.Type = typ.String
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate writes: %w", err)
	}
	return out, nil
}

// DeleteThread implements storage.Backend.
func (b *Backend) DeleteThread(ctx context.Context, threadID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return storage.ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"checkpoints", "checkpoint_blobs", "checkpoint_writes"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE thread_id = ?`, threadID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close implements storage.Backend. Safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*storage.CheckpointRecord, error) {
	var (
		rec      storage.CheckpointRecord
		parent   sql.NullString
		typ      sql.NullString
		versions string
	)
	if err := row.Scan(
		&rec.ThreadID, &rec.Namespace, &rec.CheckpointID, &parent,
		&typ, &rec.Checkpoint, &rec.Metadata, &versions,
	); err != nil {
		return nil, err
	}
	rec.ParentCheckpointID = parent.String
	rec.Type = typ.String
	if err := json.Unmarshal([]byte(versions), &rec.ChannelVersions); err != nil {
		return nil, fmt.Errorf("decode channel versions of %s: %w", rec.CheckpointID, err)
	}
	return &rec, nil
}

// sqlTx implements storage.Tx on a database transaction.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) PutBlobs(ctx context.Context, blobs []storage.BlobRecord) error {
	if len(blobs) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO checkpoint_blobs (thread_id, checkpoint_ns, channel, version, type, blob)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, channel, version) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare blob insert: %w", err)
	}
	defer stmt.Close()

	for _, blob := range blobs {
		if _, err := stmt.ExecContext(ctx,
			blob.ThreadID, blob.Namespace, blob.Channel, blob.Version, blob.Type, nullBytes(blob.Blob),
		); err != nil {
			return fmt.Errorf("insert blob %s@%s: %w", blob.Channel, blob.Version, err)
		}
	}
	return nil
}

func (t *sqlTx) PutCheckpoint(ctx context.Context, rec storage.CheckpointRecord) error {
	versions := rec.ChannelVersions
	if versions == nil {
		versions = map[string]string{}
	}
	encoded, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("encode channel versions: %w", err)
	}

	var parent any
	if rec.ParentCheckpointID != "" {
		parent = rec.ParentCheckpointID
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			type = excluded.type,
			checkpoint = excluded.checkpoint,
			metadata = excluded.metadata,
			channel_versions = excluded.channel_versions
	`,
		rec.ThreadID, rec.Namespace, rec.CheckpointID, parent,
		rec.Type, rec.Checkpoint, rec.Metadata, string(encoded),
	); err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", rec.CheckpointID, err)
	}
	return nil
}

func (t *sqlTx) PutWrites(ctx context.Context, writes []storage.WriteRecord, overwrite bool) error {
	if len(writes) == 0 {
		return nil
	}
	conflict := `DO NOTHING`
	if overwrite {
		conflict = `DO UPDATE SET channel = excluded.channel, type = excluded.type, blob = excluded.blob`
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx) `+conflict)
	if err != nil {
		return fmt.Errorf("prepare write insert: %w", err)
	}
	defer stmt.Close()

	for _, w := range writes {
		if _, err := stmt.ExecContext(ctx,
			w.ThreadID, w.Namespace, w.CheckpointID, w.TaskID, w.Idx, w.Channel, w.Type, nullBytes(w.Blob),
		); err != nil {
			return fmt.Errorf("insert write %s/%d: %w", w.TaskID, w.Idx, err)
		}
	}
	return nil
}

// nullBytes stores nil payloads as NULL.
func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
