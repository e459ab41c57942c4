// Package storage defines the record-level contract between the checkpoint
// saver and its backing store.
//
// The saver decides how checkpoints are split into records; a Backend only
// persists and queries three record classes under their composite keys and
// runs multi-record mutations atomically.
package storage

import (
	"context"
	"errors"
)

// TypeEmpty marks a blob for a channel that has a version but no value.
const TypeEmpty = "empty"

// ErrClosed indicates the backend has been closed.
var ErrClosed = errors.New("checkpoint storage closed")

// CheckpointRecord is a checkpoint without its channel values.
// Key: (ThreadID, Namespace, CheckpointID).
type CheckpointRecord struct {
	ThreadID           string
	Namespace          string
	CheckpointID       string
	ParentCheckpointID string

	// Type is the serde tag shared by Checkpoint and Metadata.
	Type       string
	Checkpoint []byte
	Metadata   []byte

	// ChannelVersions is the channel-to-version map used to find this
	// checkpoint's blobs.
	ChannelVersions map[string]string
}

// BlobRecord is one channel value at one version.
// Key: (ThreadID, Namespace, Channel, Version).
type BlobRecord struct {
	ThreadID  string
	Namespace string
	Channel   string
	Version   string

	// Type is the serde tag, or TypeEmpty with a nil Blob.
	Type string
	Blob []byte
}

// WriteRecord is one pending write of a task.
// Key: (ThreadID, Namespace, CheckpointID, TaskID, Idx).
type WriteRecord struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	TaskID       string
	Idx          int

	Channel string
	Type    string
	Blob    []byte
}

// ListQuery selects checkpoints of one thread and namespace.
type ListQuery struct {
	ThreadID  string
	Namespace string

	// Before, if set, keeps only ids strictly less than it.
	Before string

	// Limit caps the number of records; zero means no limit.
	Limit int
}

// BlobKey names one blob within a thread and namespace.
type BlobKey struct {
	Channel string
	Version string
}

// Tx is the mutation surface available inside Backend.Atomic.
type Tx interface {
	// PutBlobs inserts blobs whose key is not already present. Existing
	// blobs are never modified.
	PutBlobs(ctx context.Context, blobs []BlobRecord) error

	// PutCheckpoint inserts rec, or on key conflict replaces its type,
	// body, metadata and channel versions. The parent id of an existing
	// record is kept.
	PutCheckpoint(ctx context.Context, rec CheckpointRecord) error

	// PutWrites inserts writes. On key conflict the stored write is
	// replaced when overwrite is true and left untouched otherwise.
	PutWrites(ctx context.Context, writes []WriteRecord, overwrite bool) error
}

// Backend persists checkpoint records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Atomic runs fn in a transaction. Either every mutation fn made is
	// committed or, if fn or the commit fails or ctx is cancelled, none is.
	Atomic(ctx context.Context, fn func(Tx) error) error

	// GetCheckpoint returns the record with checkpointID, or the record
	// with the greatest id when checkpointID is empty.
	// Returns nil, nil if nothing matches.
	GetCheckpoint(ctx context.Context, threadID, namespace, checkpointID string) (*CheckpointRecord, error)

	// ListCheckpoints returns records matching q ordered by id descending.
	ListCheckpoints(ctx context.Context, q ListQuery) ([]CheckpointRecord, error)

	// GetBlobs returns the blobs that exist for keys. Missing keys are
	// simply absent from the result.
	GetBlobs(ctx context.Context, threadID, namespace string, keys []BlobKey) ([]BlobRecord, error)

	// GetWrites returns the writes recorded against a checkpoint ordered by
	// task id, then index.
	GetWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]WriteRecord, error)

	// DeleteThread removes every record of a thread across namespaces.
	// Returns nil if the thread has no records.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases any resources (connections, files).
	Close() error
}
