package verify

import "fmt"

// AssertionError is a matcher rejecting the collected records.
type AssertionError struct {
	Records int
	Err     error
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("expectation not met on %d collected records: %v", e.Records, e.Err)
}

func (e *AssertionError) Unwrap() error {
	return e.Err
}

// TimeoutError marks a failure computed on the partial output of a run the
// watchdog stopped. It wraps the *AssertionError.
type TimeoutError struct {
	TaskCount int
	Closed    int
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run terminated due to timeout with %d of %d tasks closed, the assertion was evaluated on partial output: %v", e.Closed, e.TaskCount, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
