// Package checkpoint defines the snapshot types exchanged between an
// execution engine and a checkpoint saver.
package checkpoint

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// ChannelVersions maps a channel name to its opaque version token.
// Equal tokens for the same channel within a thread and namespace
// identify the same stored value.
type ChannelVersions map[string]string

// Checkpoint is the snapshot of a graph's channel state at one step.
type Checkpoint struct {
	// V is the checkpoint format version.
	V int `json:"v" cbor:"v"`

	// ID is unique within a thread and namespace and sorts by creation
	// order. NewID produces suitable values.
	ID string `json:"id" cbor:"id"`

	// TS is when the checkpoint was taken.
	TS time.Time `json:"ts" cbor:"ts"`

	// ChannelValues holds the value of every channel that has one.
	// Values are not stored with the checkpoint record; each lives in its
	// own blob keyed by channel and version.
	ChannelValues map[string]any `json:"channel_values,omitempty" cbor:"channel_values,omitempty"`

	// ChannelVersions is the current version of every channel, including
	// channels that were cleared and have no value.
	ChannelVersions ChannelVersions `json:"channel_versions" cbor:"channel_versions"`

	// VersionsSeen records, per node, the channel versions that node last
	// consumed.
	VersionsSeen map[string]ChannelVersions `json:"versions_seen" cbor:"versions_seen"`

	// PendingSends are packets queued for the next step. They are stored
	// as writes against the parent checkpoint, not in the record.
	PendingSends []any `json:"pending_sends,omitempty" cbor:"pending_sends,omitempty"`

	// Extra carries engine fields this package does not model. Whatever
	// the engine puts here is stored and returned untouched; fields outside
	// the ones declared on Checkpoint are dropped when a body is decoded,
	// so anything else the engine needs back must live under Extra.
	Extra map[string]any `json:"extra,omitempty" cbor:"extra,omitempty"`
}

// New creates an empty checkpoint with a fresh ID.
func New() *Checkpoint {
	return &Checkpoint{
		V:               Version,
		ID:              NewID(),
		TS:              time.Now().UTC(),
		ChannelValues:   make(map[string]any),
		ChannelVersions: make(ChannelVersions),
		VersionsSeen:    make(map[string]ChannelVersions),
	}
}

// NewID returns a time-ordered identifier (UUIDv7). IDs created later
// sort lexicographically after earlier ones, which List relies on.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// Copy returns a copy of c whose maps and slices are not shared with c.
// Channel values themselves are copied shallowly.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.ChannelValues = maps.Clone(c.ChannelValues)
	out.ChannelVersions = maps.Clone(c.ChannelVersions)
	if c.VersionsSeen != nil {
		out.VersionsSeen = make(map[string]ChannelVersions, len(c.VersionsSeen))
		for node, seen := range c.VersionsSeen {
			out.VersionsSeen[node] = maps.Clone(seen)
		}
	}
	if c.PendingSends != nil {
		out.PendingSends = append([]any(nil), c.PendingSends...)
	}
	out.Extra = maps.Clone(c.Extra)
	return &out
}

// versionWidth keeps integer tokens lexicographically sortable.
const versionWidth = 32

// NextVersion returns the version token that follows current.
//
// Tokens are zero-padded integers, optionally followed by a "." and a
// suffix, so string order matches numeric order. An empty or unparsable
// current value starts the sequence at 1.
func NextVersion(current string) string {
	head, _, _ := strings.Cut(current, ".")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		n = 0
	}
	return fmt.Sprintf("%0*d", versionWidth, n+1)
}
