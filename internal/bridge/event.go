package bridge

import "fmt"

// EventKind distinguishes the messages a Bridge delivers to its consumer.
type EventKind int

const (
	// EventData carries a chunk of terminal output.
	EventData EventKind = iota
	// EventDisconnected reports that the shell stream ended. It is the last
	// event of a reader generation.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one message from a Bridge to its consumer.
type Event struct {
	Kind EventKind
	Data []byte
	// Termination is set for EventDisconnected.
	Termination Termination
}

// Termination describes how a shell stream ended.
type Termination struct {
	// Clean is true when the remote process exited normally: end of stream,
	// no read error, and an exit status was reported.
	Clean    bool
	ExitCode int
	HasExit  bool
	// Err is the read error, nil on plain end of stream.
	Err error
}

func (t Termination) String() string {
	switch {
	case t.Clean:
		return fmt.Sprintf("clean exit (status %d)", t.ExitCode)
	case t.Err != nil:
		return fmt.Sprintf("unexpected drop: %v", t.Err)
	default:
		return "unexpected drop: no exit status"
	}
}

// Classify applies the clean-exit rule to the outcome of a reader loop.
func Classify(readErr error, exitCode int, hasExit bool) Termination {
	return Termination{
		Clean:    readErr == nil && hasExit && exitCode >= 0,
		ExitCode: exitCode,
		HasExit:  hasExit,
		Err:      readErr,
	}
}
