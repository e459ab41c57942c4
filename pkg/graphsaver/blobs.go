package graphsaver

import (
	"context"
	"fmt"
	"slices"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/checkpoint"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/observability"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
)

// blobStore turns channel values into version-keyed blob records and back.
type blobStore struct {
	codec   payloadCodec
	metrics observability.MetricsRecorder
}

// stage builds one blob per entry of versions. Channels present in values
// are encoded; channels without a value get the empty sentinel.
func (s blobStore) stage(ctx context.Context, threadID, namespace string, values map[string]any, versions checkpoint.ChannelVersions) ([]storage.BlobRecord, error) {
	if len(versions) == 0 {
		return nil, nil
	}

	channels := make([]string, 0, len(versions))
	for ch := range versions {
		channels = append(channels, ch)
	}
	slices.Sort(channels)

	out := make([]storage.BlobRecord, 0, len(channels))
	for _, ch := range channels {
		rec := storage.BlobRecord{
			ThreadID:  threadID,
			Namespace: namespace,
			Channel:   ch,
			Version:   versions[ch],
			Type:      storage.TypeEmpty,
		}
		if v, ok := values[ch]; ok {
			tag, data, err := s.codec.encode(v)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", ch, err)
			}
			rec.Type = tag
			rec.Blob = data
			s.metrics.RecordBlob(ctx, ch, int64(len(data)))
		}
		out = append(out, rec)
	}
	return out, nil
}

// load resolves the value of every channel in versions. Empty sentinels
// are left out of the result; a missing blob is an error.
func (s blobStore) load(ctx context.Context, backend storage.Backend, threadID, namespace string, versions checkpoint.ChannelVersions) (map[string]any, error) {
	values := make(map[string]any, len(versions))
	if len(versions) == 0 {
		return values, nil
	}

	keys := make([]storage.BlobKey, 0, len(versions))
	for ch, ver := range versions {
		keys = append(keys, storage.BlobKey{Channel: ch, Version: ver})
	}
	blobs, err := backend.GetBlobs(ctx, threadID, namespace, keys)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(blobs))
	for _, blob := range blobs {
		if versions[blob.Channel] != blob.Version {
			continue
		}
		found[blob.Channel] = true
		if blob.Type == storage.TypeEmpty {
			continue
		}
		var v any
		if err := s.codec.decode(blob.Type, blob.Blob, &v); err != nil {
			return nil, fmt.Errorf("channel %s@%s: %w", blob.Channel, blob.Version, err)
		}
		values[blob.Channel] = v
	}

	for ch, ver := range versions {
		if !found[ch] {
			return nil, fmt.Errorf("%w: channel %s@%s", ErrIncompleteCheckpoint, ch, ver)
		}
	}
	return values, nil
}
