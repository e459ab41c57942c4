// Package graphsaver persists and restores checkpoints of a stateful,
// branching execution graph.
//
// Each thread accumulates a chain of checkpoints. A checkpoint is stored as
// a compact record (identity, parent id, channel versions, encoded body and
// metadata) plus one content-addressed blob per channel version, so a
// channel value that did not change between steps is stored once. Task
// outputs that have not been absorbed into a checkpoint are kept as pending
// writes and returned with the checkpoint they were recorded against.
//
// # Basic Usage
//
//	backend, err := sqlite.Open(ctx, "checkpoints.db")
//	if err != nil {
//	    return err
//	}
//	store := graphsaver.New(backend)
//	defer store.Close()
//
//	cfg := checkpoint.Config{ThreadID: "thread-1"}
//	next, err := store.Put(ctx, cfg, cp, checkpoint.Metadata{"step": 0}, cp.ChannelVersions)
//
//	tuple, err := store.GetTuple(ctx, next)
//
//	for tuple, err := range store.List(ctx, cfg, graphsaver.ListOptions{Limit: 10}) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(tuple.Config.CheckpointID)
//	}
//
// # Backends
//
// Storage is pluggable through storage.Backend. Two implementations ship
// with the package:
//   - storage/memory: in-process, for tests and short-lived runs
//   - storage/sqlite: pure-Go SQLite with embedded schema migrations
//
// # Serialization
//
// Values are encoded by a serde.Serializer that tags every payload with the
// codec that produced it. Decoding always follows the stored tag, so a
// database can hold rows written with different codecs.
//
// # Concurrency
//
// Store is safe for concurrent use. Every Put and PutWrites is committed in
// a single backend transaction.
package graphsaver
