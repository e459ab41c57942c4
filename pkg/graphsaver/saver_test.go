package graphsaver_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/checkpoint"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/serde"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage/memory"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage/sqlite"
)

const (
	id1 = "1ef4f797-8335-6428-8001-8a1503f9b875"
	id2 = "1ef4f797-8335-6428-8002-8a1503f9b875"
)

func checkpoint1() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		V:  1,
		ID: id1,
		TS: time.Date(2024, 4, 19, 17, 19, 7, 952000000, time.UTC),
		ChannelValues: map[string]any{
			"someKey1": "someValue1",
		},
		ChannelVersions: checkpoint.ChannelVersions{
			"someKey1": "1",
			"someKey2": "1",
		},
		VersionsSeen: map[string]checkpoint.ChannelVersions{
			"someKey3": {"someKey4": "1"},
		},
	}
}

func checkpoint2() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		V:  1,
		ID: id2,
		TS: time.Date(2024, 4, 20, 17, 19, 7, 952000000, time.UTC),
		ChannelValues: map[string]any{
			"someKey1": "someValue2",
		},
		ChannelVersions: checkpoint.ChannelVersions{
			"someKey1": "2",
			"someKey2": "2",
		},
		VersionsSeen: map[string]checkpoint.ChannelVersions{
			"someKey3": {"someKey4": "2"},
		},
	}
}

func updateMetadata() checkpoint.Metadata {
	return checkpoint.Metadata{
		"source":  "update",
		"step":    float64(-1),
		"writes":  nil,
		"parents": map[string]any{},
	}
}

// storeFactory creates an empty store for one subtest.
type storeFactory func(t *testing.T, opts ...graphsaver.Option) *graphsaver.Store

func memoryFactory(t *testing.T, opts ...graphsaver.Option) *graphsaver.Store {
	store := graphsaver.New(memory.New(), opts...)
	t.Cleanup(func() { store.Close() })
	return store
}

func sqliteFactory(t *testing.T, opts ...graphsaver.Option) *graphsaver.Store {
	backend, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	store := graphsaver.New(backend, opts...)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Memory(t *testing.T) {
	storeContractTest(t, memoryFactory)
}

func TestStore_SQLite(t *testing.T) {
	storeContractTest(t, sqliteFactory)
}

// storeContractTest runs the saver contract against any backend.
func storeContractTest(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	thread := checkpoint.Config{ThreadID: "1"}

	t.Run("GetTuple_Absent", func(t *testing.T) {
		store := factory(t)

		tuple, err := store.GetTuple(ctx, checkpoint.Config{ThreadID: "new"})
		require.NoError(t, err)
		assert.Nil(t, tuple)

		cp, err := store.Get(ctx, checkpoint.Config{ThreadID: "new", CheckpointID: id1})
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("Put_RoundTrip", func(t *testing.T) {
		store := factory(t)
		cp1 := checkpoint1()

		next, err := store.Put(ctx, thread, cp1, updateMetadata(), cp1.ChannelVersions)
		require.NoError(t, err)
		assert.Equal(t, checkpoint.Config{ThreadID: "1", Namespace: "", CheckpointID: id1}, next)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, next, tuple.Config)
		assert.Equal(t, checkpoint1(), tuple.Checkpoint)
		assert.Equal(t, updateMetadata(), tuple.Metadata)
		assert.Nil(t, tuple.ParentConfig)
		assert.Empty(t, tuple.PendingWrites)

		byID, err := store.GetTuple(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, tuple, byID)
	})

	t.Run("Put_DoesNotModifyInput", func(t *testing.T) {
		store := factory(t)
		cp := checkpoint1()
		cp.ID = ""
		cp.PendingSends = []any{"x"}

		next, err := store.Put(ctx, thread, cp, nil, cp.ChannelVersions)
		require.NoError(t, err)
		assert.NotEmpty(t, next.CheckpointID)
		assert.Empty(t, cp.ID)
		assert.Equal(t, "someValue1", cp.ChannelValues["someKey1"])
		assert.Equal(t, []any{"x"}, cp.PendingSends)

		tuple, err := store.GetTuple(ctx, next)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, next.CheckpointID, tuple.Checkpoint.ID)
		assert.Nil(t, tuple.Checkpoint.PendingSends, "sends are never stored in the record")
		assert.Equal(t, checkpoint.Metadata{}, tuple.Metadata)
	})

	t.Run("PutWrites_PendingWrites", func(t *testing.T) {
		store := factory(t)
		cp1 := checkpoint1()

		next, err := store.Put(ctx, thread, cp1, updateMetadata(), cp1.ChannelVersions)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, next, []checkpoint.Write{{Channel: "bar", Value: "baz"}}, "foo"))

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, []checkpoint.PendingWrite{{TaskID: "foo", Channel: "bar", Value: "baz"}}, tuple.PendingWrites)
	})

	t.Run("Lineage_and_List", func(t *testing.T) {
		store := factory(t)
		cp1, cp2 := checkpoint1(), checkpoint2()

		first, err := store.Put(ctx, thread, cp1, updateMetadata(), cp1.ChannelVersions)
		require.NoError(t, err)
		second, err := store.Put(ctx, first, cp2, checkpoint.Metadata{"source": "loop", "step": 0}, cp2.ChannelVersions)
		require.NoError(t, err)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, second, tuple.Config)
		require.NotNil(t, tuple.ParentConfig)
		assert.Equal(t, first, *tuple.ParentConfig)
		assert.Equal(t, checkpoint2(), tuple.Checkpoint)

		var ids []string
		for tuple, err := range store.List(ctx, thread, graphsaver.ListOptions{}) {
			require.NoError(t, err)
			ids = append(ids, tuple.Config.CheckpointID)
		}
		assert.Equal(t, []string{id2, id1}, ids)
	})

	t.Run("ConcreteScenario_SharedBlob", func(t *testing.T) {
		store := factory(t)
		meta := checkpoint.Metadata{"source": "loop"}

		c1 := &checkpoint.Checkpoint{
			V:               1,
			ID:              "c1",
			ChannelValues:   map[string]any{"k": "a"},
			ChannelVersions: checkpoint.ChannelVersions{"k": "1"},
		}
		next, err := store.Put(ctx, thread, c1, meta, checkpoint.ChannelVersions{"k": "1"})
		require.NoError(t, err)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, "c1", tuple.Checkpoint.ID)
		assert.Equal(t, "a", tuple.Checkpoint.ChannelValues["k"])

		c2 := &checkpoint.Checkpoint{
			V:               1,
			ID:              "c2",
			ChannelValues:   map[string]any{"k": "a"},
			ChannelVersions: checkpoint.ChannelVersions{"k": "1"},
		}
		_, err = store.Put(ctx, next, c2, meta, checkpoint.ChannelVersions{})
		require.NoError(t, err)

		tuple, err = store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, "c2", tuple.Checkpoint.ID)
		require.NotNil(t, tuple.ParentConfig)
		assert.Equal(t, "c1", tuple.ParentConfig.CheckpointID)
		assert.Equal(t, "a", tuple.Checkpoint.ChannelValues["k"])
	})

	t.Run("BlobDedup_FirstWriterWins", func(t *testing.T) {
		store := factory(t)

		c1 := &checkpoint.Checkpoint{ID: "c1", ChannelValues: map[string]any{"k": "original"}, ChannelVersions: checkpoint.ChannelVersions{"k": "1"}}
		c2 := &checkpoint.Checkpoint{ID: "c2", ChannelValues: map[string]any{"k": "rewritten"}, ChannelVersions: checkpoint.ChannelVersions{"k": "1"}}

		next, err := store.Put(ctx, thread, c1, nil, c1.ChannelVersions)
		require.NoError(t, err)
		_, err = store.Put(ctx, next, c2, nil, c2.ChannelVersions)
		require.NoError(t, err)

		for _, id := range []string{"c1", "c2"} {
			cp, err := store.Get(ctx, thread.WithCheckpoint(id))
			require.NoError(t, err)
			require.NotNil(t, cp)
			assert.Equal(t, "original", cp.ChannelValues["k"], id)
		}

		blobs, err := store.Backend().GetBlobs(ctx, "1", "", []storage.BlobKey{{Channel: "k", Version: "1"}})
		require.NoError(t, err)
		assert.Len(t, blobs, 1)
	})

	t.Run("EmptySentinel", func(t *testing.T) {
		store := factory(t)
		cp := &checkpoint.Checkpoint{
			ID:              "c1",
			ChannelValues:   map[string]any{"set": "v", "null": nil},
			ChannelVersions: checkpoint.ChannelVersions{"set": "1", "null": "1", "cleared": "3"},
		}
		_, err := store.Put(ctx, thread, cp, nil, cp.ChannelVersions)
		require.NoError(t, err)

		got, err := store.Get(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, map[string]any{"set": "v", "null": nil}, got.ChannelValues)
		assert.Equal(t, cp.ChannelVersions, got.ChannelVersions)

		blobs, err := store.Backend().GetBlobs(ctx, "1", "", []storage.BlobKey{{Channel: "cleared", Version: "3"}})
		require.NoError(t, err)
		require.Len(t, blobs, 1)
		assert.Equal(t, storage.TypeEmpty, blobs[0].Type)
	})

	t.Run("Put_UpsertKeepsParent", func(t *testing.T) {
		store := factory(t)
		cp2 := checkpoint2()

		_, err := store.Put(ctx, thread.WithCheckpoint(id1), cp2, checkpoint.Metadata{"step": 1}, cp2.ChannelVersions)
		require.NoError(t, err)
		_, err = store.Put(ctx, thread.WithCheckpoint("somewhere-else"), cp2, checkpoint.Metadata{"step": 2}, nil)
		require.NoError(t, err)

		tuple, err := store.GetTuple(ctx, thread.WithCheckpoint(id2))
		require.NoError(t, err)
		require.NotNil(t, tuple)
		require.NotNil(t, tuple.ParentConfig)
		assert.Equal(t, id1, tuple.ParentConfig.CheckpointID)
		assert.Equal(t, 2, tuple.Metadata.Step())
	})

	t.Run("PutWrites_ReservedOverwrite", func(t *testing.T) {
		store := factory(t)
		cfg := thread.WithCheckpoint(id1)

		require.NoError(t, store.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: checkpoint.Error, Value: "first failure"}}, "task"))
		require.NoError(t, store.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: checkpoint.Error, Value: "second failure"}}, "task"))

		records, err := store.Backend().GetWrites(ctx, "1", "", id1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, -1, records[0].Idx)

		_, err = store.Put(ctx, thread, &checkpoint.Checkpoint{ID: id1}, nil, nil)
		require.NoError(t, err)
		tuple, err := store.GetTuple(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, []checkpoint.PendingWrite{{TaskID: "task", Channel: checkpoint.Error, Value: "second failure"}}, tuple.PendingWrites)
	})

	t.Run("PutWrites_OrdinaryFirstWriterWins", func(t *testing.T) {
		store := factory(t)
		cfg := thread.WithCheckpoint(id1)

		require.NoError(t, store.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "out", Value: "first"}}, "task"))
		require.NoError(t, store.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "out", Value: "second"}}, "task"))

		records, err := store.Backend().GetWrites(ctx, "1", "", id1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, 0, records[0].Idx)
		assert.JSONEq(t, `"first"`, string(records[0].Blob))
	})

	t.Run("PutWrites_MixedBatchKeepsFirst", func(t *testing.T) {
		store := factory(t)
		cfg := thread.WithCheckpoint(id1)

		batch := func(v string) []checkpoint.Write {
			return []checkpoint.Write{{Channel: "out", Value: v}, {Channel: checkpoint.Interrupt, Value: v}}
		}
		require.NoError(t, store.PutWrites(ctx, cfg, batch("first"), "task"))
		require.NoError(t, store.PutWrites(ctx, cfg, batch("second"), "task"))

		records, err := store.Backend().GetWrites(ctx, "1", "", id1)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, -3, records[0].Idx)
		assert.Equal(t, 0, records[1].Idx)
		for _, rec := range records {
			assert.JSONEq(t, `"first"`, string(rec.Blob))
		}
	})

	t.Run("PutWrites_Validation", func(t *testing.T) {
		store := factory(t)

		err := store.PutWrites(ctx, thread, []checkpoint.Write{{Channel: "a", Value: 1}}, "task")
		assert.ErrorIs(t, err, graphsaver.ErrMissingConfigurable)

		err = store.PutWrites(ctx, checkpoint.Config{CheckpointID: id1}, nil, "task")
		assert.ErrorIs(t, err, graphsaver.ErrMissingConfigurable)

		assert.NoError(t, store.PutWrites(ctx, thread.WithCheckpoint(id1), nil, "task"))
	})

	t.Run("PendingSends_FromParentWrites", func(t *testing.T) {
		store := factory(t)
		cp1, cp2 := checkpoint1(), checkpoint2()

		first, err := store.Put(ctx, thread, cp1, nil, cp1.ChannelVersions)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, first, []checkpoint.Write{
			{Channel: checkpoint.Tasks, Value: map[string]any{"node": "a"}},
			{Channel: "other", Value: "ignored"},
			{Channel: checkpoint.Tasks, Value: map[string]any{"node": "b"}},
		}, "task-1"))
		_, err = store.Put(ctx, first, cp2, nil, cp2.ChannelVersions)
		require.NoError(t, err)

		cp, err := store.Get(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, []any{map[string]any{"node": "a"}, map[string]any{"node": "b"}}, cp.PendingSends)
	})

	t.Run("List_Paging_Limit_Before_Filter", func(t *testing.T) {
		store := factory(t, graphsaver.WithListPageSize(2))

		cfg := thread
		for i := range 5 {
			cp := &checkpoint.Checkpoint{ID: fmt.Sprintf("c%d", i)}
			source := checkpoint.SourceLoop
			if i%2 == 0 {
				source = checkpoint.SourceInput
			}
			next, err := store.Put(ctx, cfg, cp, checkpoint.Metadata{"source": source, "step": i}, nil)
			require.NoError(t, err)
			cfg = next
		}

		collect := func(cfg checkpoint.Config, opts graphsaver.ListOptions) []string {
			var ids []string
			for tuple, err := range store.List(ctx, cfg, opts) {
				require.NoError(t, err)
				ids = append(ids, tuple.Config.CheckpointID)
			}
			return ids
		}

		assert.Equal(t, []string{"c4", "c3", "c2", "c1", "c0"}, collect(thread, graphsaver.ListOptions{}))
		assert.Equal(t, []string{"c4", "c3", "c2"}, collect(thread, graphsaver.ListOptions{Limit: 3}))
		assert.Equal(t, []string{"c2", "c1"}, collect(thread, graphsaver.ListOptions{Before: &checkpoint.Config{CheckpointID: "c3"}, Limit: 2}))
		assert.Equal(t, []string{"c4", "c2"}, collect(thread, graphsaver.ListOptions{Filter: checkpoint.Metadata{"source": "input"}, Limit: 2}))
		assert.Equal(t, []string{"c3"}, collect(thread, graphsaver.ListOptions{Filter: checkpoint.Metadata{"step": 3}}))
		assert.Equal(t, []string{"c1"}, collect(thread.WithCheckpoint("c1"), graphsaver.ListOptions{}))
		assert.Empty(t, collect(thread.WithCheckpoint("c1"), graphsaver.ListOptions{Before: &checkpoint.Config{CheckpointID: "c1"}}))
		assert.Empty(t, collect(checkpoint.Config{ThreadID: "other"}, graphsaver.ListOptions{}))
	})

	t.Run("List_EarlyBreak", func(t *testing.T) {
		store := factory(t, graphsaver.WithListPageSize(1))
		cp1, cp2 := checkpoint1(), checkpoint2()
		_, err := store.Put(ctx, thread, cp1, nil, cp1.ChannelVersions)
		require.NoError(t, err)
		_, err = store.Put(ctx, thread, cp2, nil, cp2.ChannelVersions)
		require.NoError(t, err)

		count := 0
		for _, err := range store.List(ctx, thread, graphsaver.ListOptions{}) {
			require.NoError(t, err)
			count++
			break
		}
		assert.Equal(t, 1, count)
	})

	t.Run("List_MissingThread", func(t *testing.T) {
		store := factory(t)

		var errs []error
		for tuple, err := range store.List(ctx, checkpoint.Config{}, graphsaver.ListOptions{}) {
			assert.Nil(t, tuple)
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], graphsaver.ErrMissingConfigurable)
	})

	t.Run("Namespaces_Isolated", func(t *testing.T) {
		store := factory(t)
		inner := checkpoint.Config{ThreadID: "1", Namespace: "child"}

		cp1, cp2 := checkpoint1(), checkpoint2()
		_, err := store.Put(ctx, thread, cp1, nil, cp1.ChannelVersions)
		require.NoError(t, err)
		_, err = store.Put(ctx, inner, cp2, nil, cp2.ChannelVersions)
		require.NoError(t, err)

		root, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		assert.Equal(t, id1, root.Config.CheckpointID)

		child, err := store.GetTuple(ctx, inner)
		require.NoError(t, err)
		assert.Equal(t, id2, child.Config.CheckpointID)
		assert.Equal(t, "child", child.Config.Namespace)
	})

	t.Run("MissingConfigurable", func(t *testing.T) {
		store := factory(t)

		_, err := store.GetTuple(ctx, checkpoint.Config{})
		assert.ErrorIs(t, err, graphsaver.ErrMissingConfigurable)

		_, err = store.Put(ctx, checkpoint.Config{}, checkpoint1(), nil, nil)
		assert.ErrorIs(t, err, graphsaver.ErrMissingConfigurable)

		var opErr *graphsaver.OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, graphsaver.OpPut, opErr.Op)

		_, err = store.Put(ctx, thread, nil, nil, nil)
		assert.ErrorIs(t, err, graphsaver.ErrNilCheckpoint)

		assert.ErrorIs(t, store.DeleteThread(ctx, ""), graphsaver.ErrMissingConfigurable)
	})

	t.Run("Put_EncodeErrorWritesNothing", func(t *testing.T) {
		store := factory(t)
		cp := &checkpoint.Checkpoint{
			ID:              "c1",
			ChannelValues:   map[string]any{"bad": make(chan int)},
			ChannelVersions: checkpoint.ChannelVersions{"bad": "1"},
		}

		_, err := store.Put(ctx, thread, cp, nil, cp.ChannelVersions)
		require.Error(t, err)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		assert.Nil(t, tuple)
	})

	t.Run("Metadata_StripsNUL", func(t *testing.T) {
		store := factory(t)
		cp := checkpoint1()

		_, err := store.Put(ctx, thread, cp, checkpoint.Metadata{"note": "a\x00b"}, cp.ChannelVersions)
		require.NoError(t, err)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, "ab", tuple.Metadata["note"])
	})

	t.Run("Metadata_KeepsEscapedBackslash", func(t *testing.T) {
		store := factory(t)
		cp := checkpoint1()
		meta := checkpoint.Metadata{
			"path":  `C:\u0000dir`,
			"mixed": "x\\\x00y",
		}

		_, err := store.Put(ctx, thread, cp, meta, cp.ChannelVersions)
		require.NoError(t, err)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, `C:\u0000dir`, tuple.Metadata["path"])
		assert.Equal(t, `x\y`, tuple.Metadata["mixed"])

		for listed, err := range store.List(ctx, thread, graphsaver.ListOptions{}) {
			require.NoError(t, err)
			assert.Equal(t, `C:\u0000dir`, listed.Metadata["path"])
		}
	})

	t.Run("MalformedRecord", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Backend().Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutCheckpoint(ctx, storage.CheckpointRecord{
				ThreadID:     "1",
				CheckpointID: id1,
				Type:         "msgpack",
				Checkpoint:   []byte{0x80},
				Metadata:     []byte{0x80},
			})
		}))

		_, err := store.GetTuple(ctx, thread)
		assert.ErrorIs(t, err, graphsaver.ErrMalformedRecord)
		assert.ErrorIs(t, err, serde.ErrUnknownType)
	})

	t.Run("IncompleteCheckpoint", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Backend().Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutCheckpoint(ctx, storage.CheckpointRecord{
				ThreadID:        "1",
				CheckpointID:    id1,
				Type:            serde.TypeJSON,
				Checkpoint:      []byte(`{"v":1,"id":"` + id1 + `"}`),
				Metadata:        []byte(`{}`),
				ChannelVersions: map[string]string{"lost": "1"},
			})
		}))

		_, err := store.GetTuple(ctx, thread)
		assert.ErrorIs(t, err, graphsaver.ErrIncompleteCheckpoint)
	})

	t.Run("DeleteThread", func(t *testing.T) {
		store := factory(t)
		cp1 := checkpoint1()

		next, err := store.Put(ctx, thread, cp1, nil, cp1.ChannelVersions)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, next, []checkpoint.Write{{Channel: "a", Value: 1}}, "t"))
		cp2 := checkpoint2()
		_, err = store.Put(ctx, checkpoint.Config{ThreadID: "2"}, cp2, nil, cp2.ChannelVersions)
		require.NoError(t, err)

		require.NoError(t, store.DeleteThread(ctx, "1"))

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		assert.Nil(t, tuple)

		other, err := store.GetTuple(ctx, checkpoint.Config{ThreadID: "2"})
		require.NoError(t, err)
		assert.NotNil(t, other)
	})

	t.Run("Concurrent", func(t *testing.T) {
		store := factory(t)

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers*3)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cfg := checkpoint.Config{ThreadID: fmt.Sprintf("thread-%d", i)}
				cp := &checkpoint.Checkpoint{
					ID:              "c1",
					ChannelValues:   map[string]any{"n": float64(i)},
					ChannelVersions: checkpoint.ChannelVersions{"n": "1"},
				}
				next, err := store.Put(ctx, cfg, cp, nil, cp.ChannelVersions)
				errs <- err
				errs <- store.PutWrites(ctx, next, []checkpoint.Write{{Channel: "out", Value: i}}, "task")
				_, err = store.GetTuple(ctx, cfg)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := range workers {
			cp, err := store.Get(ctx, checkpoint.Config{ThreadID: fmt.Sprintf("thread-%d", i)})
			require.NoError(t, err)
			require.NotNil(t, cp)
			assert.Equal(t, float64(i), cp.ChannelValues["n"])
		}
	})

	t.Run("CBOR_RoundTrip", func(t *testing.T) {
		store := factory(t, graphsaver.WithSerializer(serde.New(serde.NewCBOR(), serde.JSON{})))
		cp1 := checkpoint1()

		_, err := store.Put(ctx, thread, cp1, updateMetadata(), cp1.ChannelVersions)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, thread.WithCheckpoint(id1), []checkpoint.Write{{Channel: "bar", Value: "baz"}}, "foo"))

		rec, err := store.Backend().GetCheckpoint(ctx, "1", "", id1)
		require.NoError(t, err)
		assert.Equal(t, serde.TypeCBOR, rec.Type)

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, checkpoint1(), tuple.Checkpoint)
		assert.Equal(t, updateMetadata(), tuple.Metadata)
		assert.Equal(t, []checkpoint.PendingWrite{{TaskID: "foo", Channel: "bar", Value: "baz"}}, tuple.PendingWrites)
	})

	t.Run("EncodeValuesDisabled_WritesPlainJSON", func(t *testing.T) {
		store := factory(t,
			graphsaver.WithSerializer(serde.New(serde.NewCBOR())),
			graphsaver.WithEncodeValues(false),
		)
		cp1 := checkpoint1()

		_, err := store.Put(ctx, thread, cp1, updateMetadata(), cp1.ChannelVersions)
		require.NoError(t, err)

		rec, err := store.Backend().GetCheckpoint(ctx, "1", "", id1)
		require.NoError(t, err)
		assert.Equal(t, serde.TypeJSON, rec.Type)

		blobs, err := store.Backend().GetBlobs(ctx, "1", "", []storage.BlobKey{{Channel: "someKey1", Version: "1"}})
		require.NoError(t, err)
		require.Len(t, blobs, 1)
		assert.Equal(t, `"someValue1"`, string(blobs[0].Blob))

		tuple, err := store.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, checkpoint1(), tuple.Checkpoint)

		raw := checkpoint.Config{ThreadID: "raw"}
		rawCP := &checkpoint.Checkpoint{
			ID:              "c1",
			ChannelValues:   map[string]any{"raw": []byte("hi")},
			ChannelVersions: checkpoint.ChannelVersions{"raw": "1"},
		}
		next, err := store.Put(ctx, raw, rawCP, nil, rawCP.ChannelVersions)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, next, []checkpoint.Write{{Channel: "raw", Value: []byte("out")}}, "task"))

		blobs, err = store.Backend().GetBlobs(ctx, "raw", "", []storage.BlobKey{{Channel: "raw", Version: "1"}})
		require.NoError(t, err)
		require.Len(t, blobs, 1)
		assert.Equal(t, serde.TypeBytes, blobs[0].Type)

		rawTuple, err := store.GetTuple(ctx, raw)
		require.NoError(t, err)
		require.NotNil(t, rawTuple)
		assert.Equal(t, []byte("hi"), rawTuple.Checkpoint.ChannelValues["raw"])
		assert.Equal(t, []checkpoint.PendingWrite{{TaskID: "task", Channel: "raw", Value: []byte("out")}}, rawTuple.PendingWrites)
	})

	t.Run("Close_ThenError", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		_, err := store.GetTuple(ctx, thread)
		assert.ErrorIs(t, err, storage.ErrClosed)

		_, err = store.Put(ctx, thread, checkpoint1(), nil, nil)
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}

// mismatchSerializer tags checkpoints and everything else differently.
type mismatchSerializer struct{}

func (mismatchSerializer) Encode(v any) (string, []byte, error) {
	if _, ok := v.(*checkpoint.Checkpoint); ok {
		return "body", []byte("{}"), nil
	}
	return "other", []byte("{}"), nil
}

func (mismatchSerializer) Decode(string, []byte, any) error { return nil }

func TestStore_SerializationMismatch(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := graphsaver.New(backend, graphsaver.WithSerializer(mismatchSerializer{}))
	defer store.Close()

	_, err := store.Put(ctx, checkpoint.Config{ThreadID: "1"}, checkpoint1(), nil, nil)
	assert.ErrorIs(t, err, graphsaver.ErrSerializationMismatch)
	assert.Equal(t, memory.Stats{}, backend.Stats())
}

func TestStore_BlobDedupStats(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := graphsaver.New(backend)
	defer store.Close()

	thread := checkpoint.Config{ThreadID: "1"}
	c1 := &checkpoint.Checkpoint{ID: "c1", ChannelValues: map[string]any{"k": "a", "j": 1}, ChannelVersions: checkpoint.ChannelVersions{"k": "1", "j": "1"}}
	next, err := store.Put(ctx, thread, c1, nil, c1.ChannelVersions)
	require.NoError(t, err)
	assert.Equal(t, memory.Stats{Checkpoints: 1, Blobs: 2}, backend.Stats())

	// Re-announcing k@1 must not add a blob; j@2 is new.
	c2 := &checkpoint.Checkpoint{ID: "c2", ChannelValues: map[string]any{"k": "a", "j": 2}, ChannelVersions: checkpoint.ChannelVersions{"k": "1", "j": "2"}}
	_, err = store.Put(ctx, next, c2, nil, c2.ChannelVersions)
	require.NoError(t, err)
	assert.Equal(t, memory.Stats{Checkpoints: 2, Blobs: 3}, backend.Stats())
}

func TestStore_CancelledContext(t *testing.T) {
	store := graphsaver.New(memory.New())
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cp := checkpoint1()
	_, err := store.Put(ctx, checkpoint.Config{ThreadID: "1"}, cp, nil, cp.ChannelVersions)
	assert.True(t, errors.Is(err, context.Canceled))

	tuple, err := store.GetTuple(context.Background(), checkpoint.Config{ThreadID: "1"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	for _, err := range store.List(ctx, checkpoint.Config{ThreadID: "1"}, graphsaver.ListOptions{}) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
