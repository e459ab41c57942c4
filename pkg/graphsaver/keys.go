package graphsaver

import (
	"fmt"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/checkpoint"
)

func requireThread(cfg checkpoint.Config) error {
	if cfg.ThreadID == "" {
		return fmt.Errorf("%w: %s", ErrMissingConfigurable, checkpoint.KeyThreadID)
	}
	return nil
}

func requireCheckpoint(cfg checkpoint.Config) error {
	if err := requireThread(cfg); err != nil {
		return err
	}
	if cfg.CheckpointID == "" {
		return fmt.Errorf("%w: %s", ErrMissingConfigurable, checkpoint.KeyCheckpointID)
	}
	return nil
}

// tupleConfig addresses a stored checkpoint.
func tupleConfig(threadID, namespace, checkpointID string) checkpoint.Config {
	return checkpoint.Config{ThreadID: threadID, Namespace: namespace, CheckpointID: checkpointID}
}

// parentConfig addresses the parent of a stored checkpoint, or nil for a root.
func parentConfig(threadID, namespace, parentID string) *checkpoint.Config {
	if parentID == "" {
		return nil
	}
	cfg := tupleConfig(threadID, namespace, parentID)
	return &cfg
}
