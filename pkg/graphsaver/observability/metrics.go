package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records checkpoint store metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordOp records one store operation with its duration and error status.
	RecordOp(ctx context.Context, op string, duration time.Duration, err error)

	// RecordBlob records the size of a staged channel blob.
	RecordBlob(ctx context.Context, channel string, sizeBytes int64)

	// RecordWrites records a batch of pending writes.
	RecordWrites(ctx context.Context, count int, overwrite bool)
}

type otelMetrics struct {
	opCount   metric.Int64Counter
	opLatency metric.Float64Histogram
	opErrors  metric.Int64Counter
	blobSize  metric.Int64Histogram
	writes    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("graphsaver")

	opCount, err := meter.Int64Counter("graphsaver.op.count",
		metric.WithDescription("Number of checkpoint store operations"),
	)
	if err != nil {
		return nil, err
	}

	opLatency, err := meter.Float64Histogram("graphsaver.op.latency_ms",
		metric.WithDescription("Checkpoint store operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	opErrors, err := meter.Int64Counter("graphsaver.op.errors",
		metric.WithDescription("Number of failed checkpoint store operations"),
	)
	if err != nil {
		return nil, err
	}

	blobSize, err := meter.Int64Histogram("graphsaver.blob.size_bytes",
		metric.WithDescription("Encoded channel blob size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	writes, err := meter.Int64Counter("graphsaver.writes.count",
		metric.WithDescription("Number of pending writes stored"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		opCount:   opCount,
		opLatency: opLatency,
		opErrors:  opErrors,
		blobSize:  blobSize,
		writes:    writes,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("failed to initialize metrics, using noop", slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordOp records one store operation.
func (m *otelMetrics) RecordOp(ctx context.Context, op string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))

	m.opCount.Add(ctx, 1, attrs)
	m.opLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.opErrors.Add(ctx, 1, attrs)
	}
}

// RecordBlob records a staged blob size.
func (m *otelMetrics) RecordBlob(ctx context.Context, channel string, sizeBytes int64) {
	m.blobSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordWrites records a batch of pending writes.
func (m *otelMetrics) RecordWrites(ctx context.Context, count int, overwrite bool) {
	m.writes.Add(ctx, int64(count), metric.WithAttributes(attribute.Bool("overwrite", overwrite)))
}
