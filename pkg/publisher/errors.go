package publisher

import (
	"errors"
	"fmt"

	"github.com/streamspector/streamspector/pkg/wire"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("publisher is closed")

	errNotConnected = errors.New("not connected to collector")
)

// TransportError is a failure to deliver one message to the collector. The
// message is lost; it is never retried.
type TransportError struct {
	TaskIndex int
	Type      wire.MessageType
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("task %d: sending %s message: %v", e.TaskIndex, e.Type, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
