// Package memory provides an in-memory checkpoint backend for tests and
// single-process use. Data is lost when the process exits.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
)

type scope struct {
	thread    string
	namespace string
}

type blobKey struct {
	scope
	channel string
	version string
}

type writeKey struct {
	scope
	checkpointID string
	taskID       string
	idx          int
}

// Backend is an in-memory storage.Backend.
type Backend struct {
	mu          sync.RWMutex
	checkpoints map[scope]map[string]storage.CheckpointRecord
	blobs       map[blobKey]storage.BlobRecord
	writes      map[writeKey]storage.WriteRecord
	closed      bool
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		checkpoints: make(map[scope]map[string]storage.CheckpointRecord),
		blobs:       make(map[blobKey]storage.BlobRecord),
		writes:      make(map[writeKey]storage.WriteRecord),
	}
}

// Stats counts stored records per class.
type Stats struct {
	Checkpoints int
	Blobs       int
	Writes      int
}

// Stats returns the current record counts. Useful for testing.
func (b *Backend) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, byID := range b.checkpoints {
		n += len(byID)
	}
	return Stats{Checkpoints: n, Blobs: len(b.blobs), Writes: len(b.writes)}
}

// Atomic implements storage.Backend. Mutations are staged without the
// lock and applied together under it once fn returns successfully.
func (b *Backend) Atomic(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &stagedTx{}
	if err := fn(tx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, apply := range tx.ops {
		apply(b)
	}
	return nil
}

// GetCheckpoint implements storage.Backend.
func (b *Backend) GetCheckpoint(ctx context.Context, threadID, namespace, checkpointID string) (*storage.CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	byID := b.checkpoints[scope{threadID, namespace}]
	if checkpointID == "" {
		for id := range byID {
			if id > checkpointID {
				checkpointID = id
			}
		}
	}
	rec, ok := byID[checkpointID]
	if !ok {
		return nil, nil
	}
	out := copyCheckpoint(rec)
	return &out, nil
}

// ListCheckpoints implements storage.Backend.
func (b *Backend) ListCheckpoints(ctx context.Context, q storage.ListQuery) ([]storage.CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	byID := b.checkpoints[scope{q.ThreadID, q.Namespace}]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		if q.Before == "" || id < q.Before {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}

	out := make([]storage.CheckpointRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyCheckpoint(byID[id]))
	}
	return out, nil
}

// GetBlobs implements storage.Backend.
func (b *Backend) GetBlobs(ctx context.Context, threadID, namespace string, keys []storage.BlobKey) ([]storage.BlobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	out := make([]storage.BlobRecord, 0, len(keys))
	for _, k := range keys {
		blob, ok := b.blobs[blobKey{scope{threadID, namespace}, k.Channel, k.Version}]
		if !ok {
			continue
		}
		blob.Blob = cloneBytes(blob.Blob)
		out = append(out, blob)
	}
	return out, nil
}

// GetWrites implements storage.Backend.
func (b *Backend) GetWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]storage.WriteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrClosed
	}

	var out []storage.WriteRecord
	for k, w := range b.writes {
		if k.thread == threadID && k.namespace == namespace && k.checkpointID == checkpointID {
			w.Blob = cloneBytes(w.Blob)
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Idx < out[j].Idx
	})
	return out, nil
}

// DeleteThread implements storage.Backend.
func (b *Backend) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrClosed
	}

	for s := range b.checkpoints {
		if s.thread == threadID {
			delete(b.checkpoints, s)
		}
	}
	for k := range b.blobs {
		if k.thread == threadID {
			delete(b.blobs, k)
		}
	}
	for k := range b.writes {
		if k.thread == threadID {
			delete(b.writes, k)
		}
	}
	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.checkpoints = nil
	b.blobs = nil
	b.writes = nil
	return nil
}

// stagedTx records mutations as closures applied under the backend lock.
type stagedTx struct {
	ops []func(*Backend)
}

func (t *stagedTx) PutBlobs(ctx context.Context, blobs []storage.BlobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, blob := range blobs {
		blob.Blob = cloneBytes(blob.Blob)
		t.ops = append(t.ops, func(b *Backend) {
			k := blobKey{scope{blob.ThreadID, blob.Namespace}, blob.Channel, blob.Version}
			if _, exists := b.blobs[k]; !exists {
				b.blobs[k] = blob
			}
		})
	}
	return nil
}

func (t *stagedTx) PutCheckpoint(ctx context.Context, rec storage.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec = copyCheckpoint(rec)
	t.ops = append(t.ops, func(b *Backend) {
		s := scope{rec.ThreadID, rec.Namespace}
		if b.checkpoints[s] == nil {
			b.checkpoints[s] = make(map[string]storage.CheckpointRecord)
		}
		if existing, ok := b.checkpoints[s][rec.CheckpointID]; ok {
			rec.ParentCheckpointID = existing.ParentCheckpointID
		}
		b.checkpoints[s][rec.CheckpointID] = rec
	})
	return nil
}

func (t *stagedTx) PutWrites(ctx context.Context, writes []storage.WriteRecord, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, w := range writes {
		w.Blob = cloneBytes(w.Blob)
		t.ops = append(t.ops, func(b *Backend) {
			k := writeKey{scope{w.ThreadID, w.Namespace}, w.CheckpointID, w.TaskID, w.Idx}
			if _, exists := b.writes[k]; exists && !overwrite {
				return
			}
			b.writes[k] = w
		})
	}
	return nil
}

func copyCheckpoint(rec storage.CheckpointRecord) storage.CheckpointRecord {
	rec.Checkpoint = cloneBytes(rec.Checkpoint)
	rec.Metadata = cloneBytes(rec.Metadata)
	rec.ChannelVersions = maps.Clone(rec.ChannelVersions)
	return rec
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
