package graphsaver

import (
	"context"
	"iter"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/checkpoint"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/observability"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
)

// ListOptions narrows a List call.
type ListOptions struct {
	// Before, if set, yields only checkpoints whose id sorts strictly
	// before Before.CheckpointID.
	Before *checkpoint.Config

	// Limit caps the number of tuples yielded. Zero means no limit.
	Limit int

	// Filter keeps only checkpoints whose metadata holds every key of
	// Filter with an equal value. Limit counts matching tuples only.
	Filter checkpoint.Metadata
}

func (o ListOptions) before() string {
	if o.Before == nil {
		return ""
	}
	return o.Before.CheckpointID
}

// List implements Saver.
//
// The sequence is lazy: records are fetched from the backend one page at a
// time as the caller ranges over it, and breaking out of the loop stops
// further queries. When cfg carries a checkpoint id only that checkpoint
// is considered.
func (s *Store) List(ctx context.Context, cfg checkpoint.Config, opts ListOptions) iter.Seq2[*checkpoint.Tuple, error] {
	return func(yield func(*checkpoint.Tuple, error) bool) {
		ctx, span := s.cfg.spans.StartOpSpan(ctx, OpList, cfg.ThreadID, cfg.Namespace)
		start := time.Now()

		n, err := s.list(ctx, cfg, opts, yield)
		if err = s.finish(ctx, span, OpList, cfg.ThreadID, cfg.CheckpointID, start, err); err != nil {
			yield(nil, err)
			return
		}
		observability.LogList(s.cfg.logger, cfg.ThreadID, cfg.Namespace, n, elapsedMs(start))
	}
}

// list yields matching tuples and returns how many it yielded. It returns
// nil once the consumer stops.
func (s *Store) list(ctx context.Context, cfg checkpoint.Config, opts ListOptions, yield func(*checkpoint.Tuple, error) bool) (int, error) {
	if err := requireThread(cfg); err != nil {
		return 0, err
	}
	if cfg.CheckpointID != "" {
		return s.listOne(ctx, cfg, opts, yield)
	}

	pageSize := s.cfg.listPageSize
	cursor := opts.before()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		page, err := s.backend.ListCheckpoints(ctx, storage.ListQuery{
			ThreadID:  cfg.ThreadID,
			Namespace: cfg.Namespace,
			Before:    cursor,
			Limit:     pageSize,
		})
		if err != nil {
			return n, err
		}
		sort.Slice(page, func(i, j int) bool {
			return page[i].CheckpointID > page[j].CheckpointID
		})
		s.cfg.spans.AddSpanEvent(ctx, "page", attribute.Int("records", len(page)))

		for i := range page {
			tuple, ok, err := s.loadTuple(ctx, &page[i], opts.Filter)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			n++
			if !yield(tuple, nil) {
				return n, nil
			}
			if opts.Limit > 0 && n >= opts.Limit {
				return n, nil
			}
		}

		if len(page) < pageSize {
			return n, nil
		}
		cursor = page[len(page)-1].CheckpointID
	}
}

func (s *Store) listOne(ctx context.Context, cfg checkpoint.Config, opts ListOptions, yield func(*checkpoint.Tuple, error) bool) (int, error) {
	if before := opts.before(); before != "" && cfg.CheckpointID >= before {
		return 0, nil
	}
	rec, err := s.backend.GetCheckpoint(ctx, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil || rec == nil {
		return 0, err
	}
	tuple, ok, err := s.loadTuple(ctx, rec, opts.Filter)
	if err != nil || !ok {
		return 0, err
	}
	yield(tuple, nil)
	return 1, nil
}
