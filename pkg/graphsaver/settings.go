package graphsaver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/config"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/serde"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage/memory"
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/storage/sqlite"
)

// Backend names accepted in Settings.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// SettingsSection is the key under which SettingsFromFile looks for
// settings. Files without it are read from the top level.
const SettingsSection = "graphsaver"

// ErrInvalidSettings indicates settings that cannot build a store.
var ErrInvalidSettings = errors.New("invalid graphsaver settings")

// Settings describes a store in deployment terms.
type Settings struct {
	Backend           string        `env:"GRAPHSAVER_BACKEND"              envDefault:"memory"`
	SQLitePath        string        `env:"GRAPHSAVER_SQLITE_PATH"          envDefault:"graphsaver.db"`
	SQLiteBusyTimeout time.Duration `env:"GRAPHSAVER_SQLITE_BUSY_TIMEOUT"  envDefault:"5s"`
	Codec             string        `env:"GRAPHSAVER_CODEC"                envDefault:"json"`
	EncodeValues      bool          `env:"GRAPHSAVER_ENCODE_VALUES"        envDefault:"true"`
	ListPageSize      int           `env:"GRAPHSAVER_LIST_PAGE_SIZE"       envDefault:"100"`
	Metrics           bool          `env:"GRAPHSAVER_METRICS"`
	Tracing           bool          `env:"GRAPHSAVER_TRACING"`
}

// DefaultSettings returns an in-memory, JSON-encoding configuration.
func DefaultSettings() Settings {
	return Settings{
		Backend:           BackendMemory,
		SQLitePath:        "graphsaver.db",
		SQLiteBusyTimeout: sqlite.DefaultBusyTimeout,
		Codec:             serde.TypeJSON,
		EncodeValues:      true,
		ListPageSize:      DefaultListPageSize,
	}
}

// SettingsFromEnv reads GRAPHSAVER_* environment variables.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	return s, s.Validate()
}

// SettingsFromFile reads settings from a YAML or JSON file. Keys mirror the
// environment variables in snake case (backend, sqlite_path, codec, ...).
// Unset keys keep their defaults.
//
// Example file:
//
//	graphsaver:
//	  backend: sqlite
//	  sqlite_path: /var/lib/app/checkpoints.db
//	  codec: cbor
func SettingsFromFile(path string) (Settings, error) {
	cfg, err := config.FromFile(path, SettingsSection)
	if err != nil {
		return Settings{}, err
	}

	s := DefaultSettings()
	s.Backend = cfg.String("backend", s.Backend)
	s.SQLitePath = cfg.String("sqlite_path", s.SQLitePath)
	s.SQLiteBusyTimeout = cfg.Duration("sqlite_busy_timeout", s.SQLiteBusyTimeout)
	s.Codec = cfg.String("codec", s.Codec)
	s.EncodeValues = cfg.Bool("encode_values", s.EncodeValues)
	s.ListPageSize = cfg.Int("list_page_size", s.ListPageSize)
	s.Metrics = cfg.Bool("metrics", s.Metrics)
	s.Tracing = cfg.Bool("tracing", s.Tracing)
	return s, s.Validate()
}

// Validate reports whether s can build a store.
func (s Settings) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite backend needs a path", ErrInvalidSettings)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidSettings, s.Backend)
	}
	if _, err := s.serializer(); err != nil {
		return err
	}
	if s.ListPageSize < 0 {
		return fmt.Errorf("%w: list page size %d", ErrInvalidSettings, s.ListPageSize)
	}
	return nil
}

func (s Settings) serializer() (serde.Serializer, error) {
	switch s.Codec {
	case "", serde.TypeJSON:
		return serde.Default(), nil
	case serde.TypeCBOR:
		return serde.New(serde.NewCBOR(), serde.JSON{}), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", ErrInvalidSettings, s.Codec)
	}
}

// Options converts s to Store options.
func (s Settings) Options() ([]Option, error) {
	ser, err := s.serializer()
	if err != nil {
		return nil, err
	}
	return []Option{
		WithSerializer(ser),
		WithEncodeValues(s.EncodeValues),
		WithListPageSize(s.ListPageSize),
		WithMetrics(s.Metrics),
		WithTracing(s.Tracing),
	}, nil
}

// OpenBackend opens the storage backend named by s.
func (s Settings) OpenBackend(ctx context.Context) (storage.Backend, error) {
	switch s.Backend {
	case BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		return sqlite.Open(ctx, s.SQLitePath, sqlite.WithBusyTimeout(s.SQLiteBusyTimeout))
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidSettings, s.Backend)
	}
}

// Open builds a Store from settings. opts are applied after the options
// derived from s and take precedence.
func Open(ctx context.Context, s Settings, opts ...Option) (*Store, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	base, err := s.Options()
	if err != nil {
		return nil, err
	}
	backend, err := s.OpenBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", s.Backend, err)
	}
	return New(backend, append(base, opts...)...), nil
}
