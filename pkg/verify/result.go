package verify

import (
	"fmt"

	"github.com/streamspector/streamspector/pkg/collector"
)

// Status is the outcome of a run.
type Status int

const (
	StatusPassed Status = iota
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StopCause records what ended a run.
type StopCause int

const (
	// CauseCompleted means every task closed.
	CauseCompleted StopCause = iota
	// CauseTriggered means the trigger fired before completion.
	CauseTriggered
	// CauseTimeout means the watchdog fired.
	CauseTimeout
	// CauseAborted means a protocol error, a job failure or cancellation.
	CauseAborted
)

func (c StopCause) String() string {
	switch c {
	case CauseCompleted:
		return "completed"
	case CauseTriggered:
		return "triggered"
	case CauseTimeout:
		return "timeout"
	case CauseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("StopCause(%d)", int(c))
	}
}

// RunResult is the terminal result of a run. It is never modified after
// it is created.
type RunResult[T any] struct {
	status Status
	cause  StopCause
	output collector.Output[T]
	err    error
}

func (r RunResult[T]) Status() Status              { return r.status }
func (r RunResult[T]) Cause() StopCause            { return r.cause }
func (r RunResult[T]) Output() collector.Output[T] { return r.output }
func (r RunResult[T]) Passed() bool                { return r.status == StatusPassed }

// Err is nil for a passed run. Otherwise it is an *AssertionError, a
// *TimeoutError or the error that aborted the run.
func (r RunResult[T]) Err() error { return r.err }

func (r RunResult[T]) String() string {
	s := fmt.Sprintf("%s (%s, %d records)", r.status, r.cause, len(r.output.Records))
	if r.err != nil {
		s += ": " + r.err.Error()
	}
	return s
}
