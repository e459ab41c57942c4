// Package observability provides logging, metrics and tracing for the
// checkpoint store.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
)

// EnrichLogger adds thread context to a logger.
func EnrichLogger(logger *slog.Logger, threadID, namespace string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", namespace),
	)
}

// LogPut logs a stored checkpoint.
func LogPut(logger *slog.Logger, threadID, namespace, checkpointID string, blobs int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", namespace),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("blobs", blobs),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPutWrites logs a stored batch of pending writes.
func LogPutWrites(logger *slog.Logger, threadID, namespace, checkpointID, taskID string, writes int, overwrite bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("pending writes saved",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", namespace),
		slog.String("checkpoint_id", checkpointID),
		slog.String("task_id", taskID),
		slog.Int("writes", writes),
		slog.Bool("overwrite", overwrite),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogGet logs a checkpoint lookup. checkpointID is the resolved id, empty
// when nothing was found.
func LogGet(logger *slog.Logger, threadID, namespace, checkpointID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint loaded",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", namespace),
		slog.String("checkpoint_id", checkpointID),
		slog.Bool("found", checkpointID != ""),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogList logs the end of a listing.
func LogList(logger *slog.Logger, threadID, namespace string, yielded int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoints listed",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", namespace),
		slog.Int("yielded", yielded),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogOpError logs a failed store operation.
func LogOpError(logger *slog.Logger, op, threadID, checkpointID string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn("checkpoint operation failed",
		slog.String("operation", op),
		slog.String("thread_id", threadID),
		slog.String("checkpoint_id", checkpointID),
		slog.String("error", err.Error()),
	)
}
