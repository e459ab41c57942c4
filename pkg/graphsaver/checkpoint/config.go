package checkpoint

import (
	"github.com/randalmurphal/graphsaver/pkg/graphsaver/config"
)

// Keys used in an engine's "configurable" map.
const (
	KeyConfigurable = "configurable"
	KeyThreadID     = "thread_id"
	KeyNamespace    = "checkpoint_ns"
	KeyCheckpointID = "checkpoint_id"
)

// Config addresses a thread, a namespace within it and, optionally, one
// checkpoint. It is both the input cursor of saver calls and the value
// Put returns for the next call.
type Config struct {
	ThreadID     string `json:"thread_id" yaml:"thread_id"`
	Namespace    string `json:"checkpoint_ns" yaml:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty" yaml:"checkpoint_id,omitempty"`
}

// ConfigFromMap reads a Config from an engine-style map. The identifying
// keys may sit at the top level or under "configurable"; numeric ids are
// formatted in base 10.
func ConfigFromMap(m map[string]any) Config {
	cfg := config.New(m)
	if cfg.Has(KeyConfigurable) {
		cfg = cfg.Sub(KeyConfigurable)
	}
	return Config{
		ThreadID:     cfg.ID(KeyThreadID, ""),
		Namespace:    cfg.ID(KeyNamespace, ""),
		CheckpointID: cfg.ID(KeyCheckpointID, ""),
	}
}

// Map returns c in the engine's map form, nested under "configurable".
func (c Config) Map() map[string]any {
	inner := map[string]any{
		KeyThreadID:  c.ThreadID,
		KeyNamespace: c.Namespace,
	}
	if c.CheckpointID != "" {
		inner[KeyCheckpointID] = c.CheckpointID
	}
	return map[string]any{KeyConfigurable: inner}
}

// WithCheckpoint returns a copy of c pointing at checkpointID.
func (c Config) WithCheckpoint(checkpointID string) Config {
	c.CheckpointID = checkpointID
	return c
}
