package verify

import (
	"github.com/streamspector/streamspector/pkg/collector"
)

// Verifier evaluates the matcher of an expectation against collected output.
type Verifier[T any] struct {
	matcher Matcher[T]
}

// New returns a verifier for m. A nil matcher accepts any output.
func New[T any](m Matcher[T]) *Verifier[T] {
	return &Verifier[T]{matcher: m}
}

// Verify builds the result of a run stopped by cause. Under CauseTimeout a
// passing matcher still passes; a failing one yields StatusTimedOut.
func (v *Verifier[T]) Verify(out collector.Output[T], cause StopCause) RunResult[T] {
	res := RunResult[T]{status: StatusPassed, cause: cause, output: out}
	if v.matcher == nil {
		return res
	}

	err := v.matcher.Match(out.Records)
	if err == nil {
		return res
	}

	aerr := &AssertionError{Records: len(out.Records), Err: err}
	if cause == CauseTimeout {
		res.status = StatusTimedOut
		res.err = &TimeoutError{TaskCount: out.TaskCount, Closed: out.Closed, Err: aerr}
		return res
	}
	res.status = StatusFailed
	res.err = aerr
	return res
}

// Aborted is the result of a run ended by err before it could be verified.
func Aborted[T any](out collector.Output[T], err error) RunResult[T] {
	return RunResult[T]{status: StatusFailed, cause: CauseAborted, output: out, err: err}
}
