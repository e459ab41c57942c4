package graphsaver

import (
	"fmt"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/checkpoint"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
)

// writeBuffer converts task writes to and from write records.
type writeBuffer struct {
	codec payloadCodec
}

// allReserved reports whether every write targets a reserved channel. Such
// a batch replaces a previous attempt of the same task; any other batch
// keeps the first stored value.
func allReserved(writes []checkpoint.Write) bool {
	if len(writes) == 0 {
		return false
	}
	for _, w := range writes {
		if _, ok := checkpoint.ReservedIndex(w.Channel); !ok {
			return false
		}
	}
	return true
}

// writeIndex is the stored index of the write at position ordinal.
func writeIndex(channel string, ordinal int) int {
	if idx, ok := checkpoint.ReservedIndex(channel); ok {
		return idx
	}
	return ordinal
}

func (b writeBuffer) stage(cfg checkpoint.Config, taskID string, writes []checkpoint.Write) ([]storage.WriteRecord, error) {
	out := make([]storage.WriteRecord, 0, len(writes))
	for i, w := range writes {
		tag, data, err := b.codec.encode(w.Value)
		if err != nil {
			return nil, fmt.Errorf("write %d to %s: %w", i, w.Channel, err)
		}
		out = append(out, storage.WriteRecord{
			ThreadID:     cfg.ThreadID,
			Namespace:    cfg.Namespace,
			CheckpointID: cfg.CheckpointID,
			TaskID:       taskID,
			Idx:          writeIndex(w.Channel, i),
			Channel:      w.Channel,
			Type:         tag,
			Blob:         data,
		})
	}
	return out, nil
}

func (b writeBuffer) decode(records []storage.WriteRecord) ([]checkpoint.PendingWrite, error) {
	if len(records) == 0 {
		return nil, nil
	}
	out := make([]checkpoint.PendingWrite, 0, len(records))
	for _, rec := range records {
		var v any
		if err := b.codec.decode(rec.Type, rec.Blob, &v); err != nil {
			return nil, fmt.Errorf("write %s/%d: %w", rec.TaskID, rec.Idx, err)
		}
		out = append(out, checkpoint.PendingWrite{TaskID: rec.TaskID, Channel: rec.Channel, Value: v})
	}
	return out, nil
}

// sends returns the values of writes on the task-packet channel, in stored
// order.
func (b writeBuffer) sends(records []storage.WriteRecord) ([]any, error) {
	var out []any
	for _, rec := range records {
		if rec.Channel != checkpoint.Tasks {
			continue
		}
		var v any
		if err := b.codec.decode(rec.Type, rec.Blob, &v); err != nil {
			return nil, fmt.Errorf("send %s/%d: %w", rec.TaskID, rec.Idx, err)
		}
		out = append(out, v)
	}
	return out, nil
}
