package graphsaver

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned (wrapped in *OpError) by Store operations.
var (
	// ErrMissingConfigurable indicates a required identifier (thread id, or
	// checkpoint id for PutWrites) is absent from the config.
	ErrMissingConfigurable = errors.New("missing required configurable")

	// ErrSerializationMismatch indicates a checkpoint body and its metadata
	// were encoded with different type tags.
	ErrSerializationMismatch = errors.New("checkpoint and metadata serialized with different types")

	// ErrMalformedRecord indicates a stored payload could not be decoded.
	ErrMalformedRecord = errors.New("malformed checkpoint record")

	// ErrIncompleteCheckpoint indicates a checkpoint declares a channel
	// version whose blob is not stored.
	ErrIncompleteCheckpoint = errors.New("checkpoint blob missing")

	// ErrNilCheckpoint indicates Put was called without a checkpoint.
	ErrNilCheckpoint = errors.New("checkpoint is nil")
)

// Operation names used in OpError, logs, metrics and spans.
const (
	OpGetTuple     = "get_tuple"
	OpList         = "list"
	OpPut          = "put"
	OpPutWrites    = "put_writes"
	OpDeleteThread = "delete_thread"
)

// OpError wraps an error with the operation and checkpoint it concerns.
type OpError struct {
	// Op is the failed operation (OpPut, OpGetTuple, ...).
	Op string
	// ThreadID is the thread addressed, if known.
	ThreadID string
	// CheckpointID is the checkpoint addressed, if known.
	CheckpointID string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("graphsaver ")
	b.WriteString(e.Op)
	if e.ThreadID != "" {
		fmt.Fprintf(&b, " thread %s", e.ThreadID)
	}
	if e.CheckpointID != "" {
		fmt.Fprintf(&b, " checkpoint %s", e.CheckpointID)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, threadID, checkpointID string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, ThreadID: threadID, CheckpointID: checkpointID, Err: err}
}
