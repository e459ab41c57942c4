// Package storagetest provides a contract suite for storage.Backend
// implementations.
package storagetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
)

// Factory creates a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// Run exercises every storage.Backend guarantee against backends built by
// factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("PutCheckpoint_and_Get", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		rec := checkpointRecord("t1", "", "0001", "")
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutCheckpoint(ctx, rec)
		}))

		got, err := b.GetCheckpoint(ctx, "t1", "", "0001")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec, *got)
	})

	t.Run("GetCheckpoint_NotFound", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		got, err := b.GetCheckpoint(ctx, "missing", "", "")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = b.GetCheckpoint(ctx, "missing", "", "0001")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("GetCheckpoint_Latest", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		putCheckpoints(t, b, "t1", "", "0001", "0003", "0002")

		got, err := b.GetCheckpoint(ctx, "t1", "", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0003", got.CheckpointID)
	})

	t.Run("PutCheckpoint_UpsertKeepsParent", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		first := checkpointRecord("t1", "", "0002", "0001")
		second := checkpointRecord("t1", "", "0002", "other")
		second.Checkpoint = []byte(`{"v":2}`)
		second.ChannelVersions = map[string]string{"a": "2"}

		for _, rec := range []storage.CheckpointRecord{first, second} {
			require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
				return tx.PutCheckpoint(ctx, rec)
			}))
		}

		got, err := b.GetCheckpoint(ctx, "t1", "", "0002")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0001", got.ParentCheckpointID)
		assert.Equal(t, []byte(`{"v":2}`), got.Checkpoint)
		assert.Equal(t, map[string]string{"a": "2"}, got.ChannelVersions)
	})

	t.Run("ListCheckpoints_Descending", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		putCheckpoints(t, b, "t1", "", "0002", "0004", "0001", "0003")
		putCheckpoints(t, b, "t1", "inner", "0009")
		putCheckpoints(t, b, "t2", "", "0008")

		recs, err := b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0004", "0003", "0002", "0001"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1", Before: "0004", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0002"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1", Namespace: "inner"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0009"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "none"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("PutBlobs_FirstWriterWins", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		first := storage.BlobRecord{ThreadID: "t1", Channel: "a", Version: "1", Type: "json", Blob: []byte(`"first"`)}
		second := first
		second.Blob = []byte(`"second"`)
		empty := storage.BlobRecord{ThreadID: "t1", Channel: "b", Version: "1", Type: storage.TypeEmpty}

		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutBlobs(ctx, []storage.BlobRecord{first, empty})
		}))
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutBlobs(ctx, []storage.BlobRecord{second})
		}))

		blobs, err := b.GetBlobs(ctx, "t1", "", []storage.BlobKey{
			{Channel: "a", Version: "1"},
			{Channel: "b", Version: "1"},
			{Channel: "c", Version: "1"},
		})
		require.NoError(t, err)
		require.Len(t, blobs, 2)

		byChannel := map[string]storage.BlobRecord{}
		for _, blob := range blobs {
			byChannel[blob.Channel] = blob
		}
		assert.Equal(t, []byte(`"first"`), byChannel["a"].Blob)
		assert.Equal(t, storage.TypeEmpty, byChannel["b"].Type)
		assert.Empty(t, byChannel["b"].Blob)
	})

	t.Run("GetBlobs_ManyKeys", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		var blobs []storage.BlobRecord
		var keys []storage.BlobKey
		for i := range 450 {
			ch := "ch" + strconv.Itoa(i)
			blobs = append(blobs, storage.BlobRecord{ThreadID: "t1", Channel: ch, Version: "1", Type: "json", Blob: []byte("1")})
			keys = append(keys, storage.BlobKey{Channel: ch, Version: "1"})
		}
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutBlobs(ctx, blobs)
		}))

		got, err := b.GetBlobs(ctx, "t1", "", keys)
		require.NoError(t, err)
		assert.Len(t, got, 450)
	})

	t.Run("PutWrites_Overwrite", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		w := storage.WriteRecord{ThreadID: "t1", CheckpointID: "0001", TaskID: "task", Idx: 0, Channel: "x", Type: "json", Blob: []byte("1")}
		changed := w
		changed.Blob = []byte("2")

		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutWrites(ctx, []storage.WriteRecord{w}, false)
		}))
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutWrites(ctx, []storage.WriteRecord{changed}, false)
		}))

		writes, err := b.GetWrites(ctx, "t1", "", "0001")
		require.NoError(t, err)
		require.Len(t, writes, 1)
		assert.Equal(t, []byte("1"), writes[0].Blob, "ignored without overwrite")

		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutWrites(ctx, []storage.WriteRecord{changed}, true)
		}))

		writes, err = b.GetWrites(ctx, "t1", "", "0001")
		require.NoError(t, err)
		require.Len(t, writes, 1)
		assert.Equal(t, []byte("2"), writes[0].Blob, "replaced with overwrite")
	})

	t.Run("GetWrites_Ordered", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		writes := []storage.WriteRecord{
			{ThreadID: "t1", CheckpointID: "0001", TaskID: "b", Idx: 1, Channel: "x", Type: "json", Blob: []byte("1")},
			{ThreadID: "t1", CheckpointID: "0001", TaskID: "a", Idx: 0, Channel: "x", Type: "json", Blob: []byte("2")},
			{ThreadID: "t1", CheckpointID: "0001", TaskID: "b", Idx: -1, Channel: "__error__", Type: "json", Blob: []byte("3")},
			{ThreadID: "t1", CheckpointID: "0002", TaskID: "a", Idx: 0, Channel: "x", Type: "json", Blob: []byte("4")},
		}
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutWrites(ctx, writes, false)
		}))

		got, err := b.GetWrites(ctx, "t1", "", "0001")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "a", got[0].TaskID)
		assert.Equal(t, "b", got[1].TaskID)
		assert.Equal(t, -1, got[1].Idx)
		assert.Equal(t, 1, got[2].Idx)
	})

	t.Run("Atomic_RollsBackOnError", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		boom := errors.New("boom")
		err := b.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.PutBlobs(ctx, []storage.BlobRecord{{ThreadID: "t1", Channel: "a", Version: "1", Type: "json", Blob: []byte("1")}}); err != nil {
				return err
			}
			if err := tx.PutCheckpoint(ctx, checkpointRecord("t1", "", "0001", "")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := b.GetCheckpoint(ctx, "t1", "", "")
		require.NoError(t, err)
		assert.Nil(t, got)

		blobs, err := b.GetBlobs(ctx, "t1", "", []storage.BlobKey{{Channel: "a", Version: "1"}})
		require.NoError(t, err)
		assert.Empty(t, blobs)
	})

	t.Run("Atomic_CancelledContext", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := b.Atomic(cancelled, func(tx storage.Tx) error {
			return tx.PutCheckpoint(cancelled, checkpointRecord("t1", "", "0001", ""))
		})
		assert.Error(t, err)

		got, err := b.GetCheckpoint(ctx, "t1", "", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("DeleteThread", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		putCheckpoints(t, b, "t1", "", "0001")
		putCheckpoints(t, b, "t1", "inner", "0002")
		putCheckpoints(t, b, "t2", "", "0003")
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.PutBlobs(ctx, []storage.BlobRecord{{ThreadID: "t1", Channel: "a", Version: "1", Type: "json", Blob: []byte("1")}}); err != nil {
				return err
			}
			return tx.PutWrites(ctx, []storage.WriteRecord{{ThreadID: "t1", CheckpointID: "0001", TaskID: "x", Channel: "a", Type: "json", Blob: []byte("1")}}, false)
		}))

		require.NoError(t, b.DeleteThread(ctx, "t1"))
		require.NoError(t, b.DeleteThread(ctx, "never-existed"))

		for _, ns := range []string{"", "inner"} {
			recs, err := b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1", Namespace: ns})
			require.NoError(t, err)
			assert.Empty(t, recs)
		}
		blobs, err := b.GetBlobs(ctx, "t1", "", []storage.BlobKey{{Channel: "a", Version: "1"}})
		require.NoError(t, err)
		assert.Empty(t, blobs)
		writes, err := b.GetWrites(ctx, "t1", "", "0001")
		require.NoError(t, err)
		assert.Empty(t, writes)

		recs, err := b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t2"})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("Concurrent", func(t *testing.T) {
		b := factory(t)
		defer b.Close()

		const workers = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers*2)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				blob := storage.BlobRecord{ThreadID: "t1", Channel: "shared", Version: "1", Type: "json", Blob: []byte(strconv.Itoa(i))}
				errs <- b.Atomic(ctx, func(tx storage.Tx) error {
					if err := tx.PutBlobs(ctx, []storage.BlobRecord{blob}); err != nil {
						return err
					}
					return tx.PutCheckpoint(ctx, checkpointRecord("t1", "", "c"+strconv.Itoa(i), ""))
				})
				_, err := b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1"})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		recs, err := b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1"})
		require.NoError(t, err)
		assert.Len(t, recs, workers)

		blobs, err := b.GetBlobs(ctx, "t1", "", []storage.BlobKey{{Channel: "shared", Version: "1"}})
		require.NoError(t, err)
		assert.Len(t, blobs, 1)
	})

	t.Run("Close_ThenError", func(t *testing.T) {
		b := factory(t)
		require.NoError(t, b.Close())

		_, err := b.GetCheckpoint(ctx, "t1", "", "")
		assert.ErrorIs(t, err, storage.ErrClosed)

		_, err = b.ListCheckpoints(ctx, storage.ListQuery{ThreadID: "t1"})
		assert.ErrorIs(t, err, storage.ErrClosed)

		err = b.Atomic(ctx, func(tx storage.Tx) error { return nil })
		assert.ErrorIs(t, err, storage.ErrClosed)

		assert.ErrorIs(t, b.DeleteThread(ctx, "t1"), storage.ErrClosed)
	})
}

func checkpointRecord(thread, ns, id, parent string) storage.CheckpointRecord {
	return storage.CheckpointRecord{
		ThreadID:           thread,
		Namespace:          ns,
		CheckpointID:       id,
		ParentCheckpointID: parent,
		Type:               "json",
		Checkpoint:         []byte(`{"id":"` + id + `"}`),
		Metadata:           []byte(`{"step":1}`),
		ChannelVersions:    map[string]string{"a": "1"},
	}
}

func putCheckpoints(t *testing.T, b storage.Backend, thread, ns string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		rec := checkpointRecord(thread, ns, id, "")
		require.NoError(t, b.Atomic(ctx, func(tx storage.Tx) error {
			return tx.PutCheckpoint(ctx, rec)
		}))
	}
}

func ids(recs []storage.CheckpointRecord) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.CheckpointID
	}
	return out
}
