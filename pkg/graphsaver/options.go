package graphsaver

import (
	"log/slog"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/observability"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/serde"
)

// DefaultListPageSize is how many records List fetches per backend query.
const DefaultListPageSize = 100

type storeConfig struct {
	serializer   serde.Serializer
	encodeValues bool
	listPageSize int
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		serializer:   serde.Default(),
		encodeValues: true,
		listPageSize: DefaultListPageSize,
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithSerializer sets the serializer used for checkpoint bodies, metadata,
// channel values and writes.
// Default: serde.Default() (JSON, also decodes CBOR)
func WithSerializer(s serde.Serializer) Option {
	return func(c *storeConfig) {
		if s != nil {
			c.serializer = s
		}
	}
}

// WithEncodeValues controls whether payloads go through the configured
// serializer. When false every payload is written as plain JSON so rows
// stay human-readable; reads still follow each row's stored tag.
// Default: true
func WithEncodeValues(enabled bool) Option {
	return func(c *storeConfig) {
		c.encodeValues = enabled
	}
}

// WithListPageSize sets how many records List fetches per backend query.
// Default: 100
func WithListPageSize(n int) Option {
	return func(c *storeConfig) {
		if n > 0 {
			c.listPageSize = n
		}
	}
}

// WithLogger sets the logger. Successful operations log at Debug, failures
// at Warn. A nil logger disables logging.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics using the global meter provider.
// Default: false
func WithMetrics(enabled bool) Option {
	return func(c *storeConfig) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithTracing enables OpenTelemetry spans using the global tracer provider.
// Default: false
func WithTracing(enabled bool) Option {
	return func(c *storeConfig) {
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}
