package checkpoint

// Reserved channel names understood by both the engine and the saver.
const (
	// Error carries a task's failure.
	Error = "__error__"
	// Scheduled marks a task scheduled for the next step.
	Scheduled = "__scheduled__"
	// Interrupt carries an interrupt raised by a task.
	Interrupt = "__interrupt__"
	// Resume carries the value a task resumes with.
	Resume = "__resume__"
	// Tasks carries packets sent to the next step; writes on this channel
	// against a checkpoint become its child's PendingSends.
	Tasks = "__pregel_tasks"
)

// reservedIndex is the fixed channel-to-index table. Writes to these
// channels are stored at the listed index instead of their position so a
// retried task replaces its earlier write.
var reservedIndex = map[string]int{
	Error:     -1,
	Scheduled: -2,
	Interrupt: -3,
	Resume:    -4,
}

// ReservedIndex returns the fixed storage index for a reserved channel.
func ReservedIndex(channel string) (int, bool) {
	idx, ok := reservedIndex[channel]
	return idx, ok
}

// Write is one channel update produced by a task.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a stored Write together with the task that produced it.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   any
}

// Tuple is a checkpoint with everything needed to resume from it.
type Tuple struct {
	// Config addresses this checkpoint.
	Config Config

	Checkpoint *Checkpoint
	Metadata   Metadata

	// ParentConfig addresses the checkpoint this one was built on.
	// Nil for the first checkpoint of a thread.
	ParentConfig *Config

	// PendingWrites are task outputs recorded against this checkpoint
	// that no successor has absorbed yet.
	PendingWrites []PendingWrite
}
