package graphsaver

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/checkpoint"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/observability"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
)

// Saver stores and retrieves checkpoints for an execution engine.
type Saver interface {
	// GetTuple returns the checkpoint addressed by cfg, or the latest one of
	// the thread and namespace when cfg has no checkpoint id.
	// Returns nil, nil if none exists.
	GetTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error)

	// List yields the checkpoints of cfg's thread and namespace, newest
	// first. Iteration stops at the first error.
	List(ctx context.Context, cfg checkpoint.Config, opts ListOptions) iter.Seq2[*checkpoint.Tuple, error]

	// Put stores cp as a child of cfg.CheckpointID and returns the config
	// addressing it. newVersions lists the channels whose values changed
	// since the parent.
	Put(ctx context.Context, cfg checkpoint.Config, cp *checkpoint.Checkpoint, meta checkpoint.Metadata, newVersions checkpoint.ChannelVersions) (checkpoint.Config, error)

	// PutWrites records the writes a task produced against cfg's checkpoint.
	PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.Write, taskID string) error
}

// Store is the Saver implementation over a storage.Backend.
type Store struct {
	backend storage.Backend
	cfg     storeConfig
	codec   payloadCodec
	blobs   blobStore
	writes  writeBuffer
}

// Compile-time interface check.
var _ Saver = (*Store)(nil)

// New creates a Store on backend. The Store owns backend; Close closes it.
//
// Example:
//
//	store := graphsaver.New(memory.New(),
//	    graphsaver.WithLogger(logger),
//	    graphsaver.WithMetrics(true),
//	)
func New(backend storage.Backend, opts ...Option) *Store {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	codec := payloadCodec{ser: cfg.serializer, plain: !cfg.encodeValues}
	return &Store{
		backend: backend,
		cfg:     cfg,
		codec:   codec,
		blobs:   blobStore{codec: codec, metrics: cfg.metrics},
		writes:  writeBuffer{codec: codec},
	}
}

// Backend returns the underlying storage backend.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

// GetTuple implements Saver.
func (s *Store) GetTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	ctx, span := s.cfg.spans.StartOpSpan(ctx, OpGetTuple, cfg.ThreadID, cfg.Namespace)
	start := time.Now()

	tuple, err := s.getTuple(ctx, cfg)
	if err = s.finish(ctx, span, OpGetTuple, cfg.ThreadID, cfg.CheckpointID, start, err); err != nil {
		return nil, err
	}

	resolved := ""
	if tuple != nil {
		resolved = tuple.Config.CheckpointID
	}
	observability.LogGet(s.cfg.logger, cfg.ThreadID, cfg.Namespace, resolved, elapsedMs(start))
	return tuple, nil
}

func (s *Store) getTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	if err := requireThread(cfg); err != nil {
		return nil, err
	}
	rec, err := s.backend.GetCheckpoint(ctx, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	tuple, _, err := s.loadTuple(ctx, rec, nil)
	return tuple, err
}

// Get returns only the checkpoint addressed by cfg, or nil if none exists.
func (s *Store) Get(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, cfg)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// Put implements Saver.
//
// A checkpoint without an ID is assigned one from checkpoint.NewID. The
// caller's checkpoint is not modified.
func (s *Store) Put(ctx context.Context, cfg checkpoint.Config, cp *checkpoint.Checkpoint, meta checkpoint.Metadata, newVersions checkpoint.ChannelVersions) (checkpoint.Config, error) {
	ctx, span := s.cfg.spans.StartOpSpan(ctx, OpPut, cfg.ThreadID, cfg.Namespace)
	start := time.Now()

	next, blobs, err := s.put(ctx, cfg, cp, meta, newVersions)
	checkpointID := next.CheckpointID
	if checkpointID == "" && cp != nil {
		checkpointID = cp.ID
	}
	if err = s.finish(ctx, span, OpPut, cfg.ThreadID, checkpointID, start, err); err != nil {
		return checkpoint.Config{}, err
	}

	observability.LogPut(s.cfg.logger, next.ThreadID, next.Namespace, next.CheckpointID, blobs, elapsedMs(start))
	return next, nil
}

func (s *Store) put(ctx context.Context, cfg checkpoint.Config, cp *checkpoint.Checkpoint, meta checkpoint.Metadata, newVersions checkpoint.ChannelVersions) (checkpoint.Config, int, error) {
	if err := requireThread(cfg); err != nil {
		return checkpoint.Config{}, 0, err
	}
	if cp == nil {
		return checkpoint.Config{}, 0, ErrNilCheckpoint
	}

	body := cp.Copy()
	if body.ID == "" {
		body.ID = checkpoint.NewID()
	}
	values := body.ChannelValues
	body.ChannelValues = nil
	body.PendingSends = nil

	blobs, err := s.blobs.stage(ctx, cfg.ThreadID, cfg.Namespace, values, newVersions)
	if err != nil {
		return checkpoint.Config{}, 0, err
	}

	typ, data, err := s.codec.encode(body)
	if err != nil {
		return checkpoint.Config{}, 0, fmt.Errorf("encode checkpoint: %w", err)
	}
	if meta == nil {
		meta = checkpoint.Metadata{}
	}
	metaTyp, metaData, err := s.codec.encode(meta)
	if err != nil {
		return checkpoint.Config{}, 0, fmt.Errorf("encode metadata: %w", err)
	}
	if typ != metaTyp {
		return checkpoint.Config{}, 0, fmt.Errorf("%w: %s and %s", ErrSerializationMismatch, typ, metaTyp)
	}

	rec := storage.CheckpointRecord{
		ThreadID:           cfg.ThreadID,
		Namespace:          cfg.Namespace,
		CheckpointID:       body.ID,
		ParentCheckpointID: cfg.CheckpointID,
		Type:               typ,
		Checkpoint:         data,
		Metadata:           stripNUL(metaTyp, metaData),
		ChannelVersions:    maps.Clone(body.ChannelVersions),
	}

	err = s.backend.Atomic(ctx, func(tx storage.Tx) error {
		if len(blobs) > 0 {
			if err := tx.PutBlobs(ctx, blobs); err != nil {
				return err
			}
		}
		return tx.PutCheckpoint(ctx, rec)
	})
	if err != nil {
		return checkpoint.Config{CheckpointID: body.ID}, 0, err
	}
	return tupleConfig(cfg.ThreadID, cfg.Namespace, body.ID), len(blobs), nil
}

// PutWrites implements Saver.
//
// Writes to reserved channels are stored at their fixed index, others at
// their position in writes. A batch made only of reserved-channel writes
// replaces earlier writes at the same keys; any other batch leaves
// existing writes untouched. An empty batch is a no-op.
func (s *Store) PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.Write, taskID string) error {
	ctx, span := s.cfg.spans.StartOpSpan(ctx, OpPutWrites, cfg.ThreadID, cfg.Namespace)
	start := time.Now()

	overwrite := allReserved(writes)
	err := s.putWrites(ctx, cfg, writes, taskID, overwrite)
	if err = s.finish(ctx, span, OpPutWrites, cfg.ThreadID, cfg.CheckpointID, start, err); err != nil {
		return err
	}

	if len(writes) > 0 {
		s.cfg.metrics.RecordWrites(ctx, len(writes), overwrite)
	}
	observability.LogPutWrites(s.cfg.logger, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID, taskID, len(writes), overwrite, elapsedMs(start))
	return nil
}

func (s *Store) putWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.Write, taskID string, overwrite bool) error {
	if err := requireCheckpoint(cfg); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	records, err := s.writes.stage(cfg, taskID, writes)
	if err != nil {
		return err
	}
	return s.backend.Atomic(ctx, func(tx storage.Tx) error {
		return tx.PutWrites(ctx, records, overwrite)
	})
}

// DeleteThread removes every checkpoint, blob and write of a thread in all
// namespaces.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	ctx, span := s.cfg.spans.StartOpSpan(ctx, OpDeleteThread, threadID, "")
	start := time.Now()

	var err error
	if threadID == "" {
		err = fmt.Errorf("%w: %s", ErrMissingConfigurable, checkpoint.KeyThreadID)
	} else {
		err = s.backend.DeleteThread(ctx, threadID)
	}
	return s.finish(ctx, span, OpDeleteThread, threadID, "", start, err)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// loadTuple rebuilds a tuple from rec. When filter is non-empty and the
// stored metadata does not match it, loadTuple reports false without
// loading blobs or writes.
func (s *Store) loadTuple(ctx context.Context, rec *storage.CheckpointRecord, filter checkpoint.Metadata) (*checkpoint.Tuple, bool, error) {
	var meta checkpoint.Metadata
	if err := s.codec.decode(rec.Type, rec.Metadata, &meta); err != nil {
		return nil, false, fmt.Errorf("metadata: %w", err)
	}
	if len(filter) > 0 && !meta.Matches(filter) {
		return nil, false, nil
	}

	var cp checkpoint.Checkpoint
	if err := s.codec.decode(rec.Type, rec.Checkpoint, &cp); err != nil {
		return nil, false, fmt.Errorf("checkpoint body: %w", err)
	}

	values, err := s.blobs.load(ctx, s.backend, rec.ThreadID, rec.Namespace, rec.ChannelVersions)
	if err != nil {
		return nil, false, err
	}
	cp.ChannelValues = values

	if rec.ParentCheckpointID != "" {
		parentWrites, err := s.backend.GetWrites(ctx, rec.ThreadID, rec.Namespace, rec.ParentCheckpointID)
		if err != nil {
			return nil, false, err
		}
		sends, err := s.writes.sends(parentWrites)
		if err != nil {
			return nil, false, err
		}
		cp.PendingSends = sends
	}

	records, err := s.backend.GetWrites(ctx, rec.ThreadID, rec.Namespace, rec.CheckpointID)
	if err != nil {
		return nil, false, err
	}
	pending, err := s.writes.decode(records)
	if err != nil {
		return nil, false, err
	}

	return &checkpoint.Tuple{
		Config:        tupleConfig(rec.ThreadID, rec.Namespace, rec.CheckpointID),
		Checkpoint:    &cp,
		Metadata:      meta,
		ParentConfig:  parentConfig(rec.ThreadID, rec.Namespace, rec.ParentCheckpointID),
		PendingWrites: pending,
	}, true, nil
}

// finish records metrics, ends the span and logs a failure for one
// operation. It returns err wrapped in an *OpError.
func (s *Store) finish(ctx context.Context, span trace.Span, op, threadID, checkpointID string, start time.Time, err error) error {
	err = opError(op, threadID, checkpointID, err)
	s.cfg.metrics.RecordOp(ctx, op, time.Since(start), err)
	s.cfg.spans.EndSpanWithError(span, err)
	observability.LogOpError(s.cfg.logger, op, threadID, checkpointID, err)
	return err
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
