package collector

import (
	"fmt"

	"github.com/streamspector/streamspector/pkg/wire"
)

// ProtocolError is a violation of the Open/Record/Close ordering or of the
// task count agreement. It is fatal to the run.
type ProtocolError struct {
	// TaskIndex is -1 and Type is zero when the message itself could not
	// be read.
	TaskIndex int
	Type      wire.MessageType
	Reason    string

	// Expected and Received are set for task count mismatches.
	Expected int
	Received int
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.TaskIndex >= 0 {
		msg += fmt.Sprintf(": task %d", e.TaskIndex)
	}
	if e.Type != 0 {
		msg += ": " + e.Type.String()
	}
	msg += ": " + e.Reason
	if e.Expected != 0 || e.Received != 0 {
		msg += fmt.Sprintf(" (expected %d, received %d)", e.Expected, e.Received)
	}
	return msg
}

func protocolErrorf(taskIndex int, t wire.MessageType, format string, args ...any) *ProtocolError {
	return &ProtocolError{TaskIndex: taskIndex, Type: t, Reason: fmt.Sprintf(format, args...)}
}
