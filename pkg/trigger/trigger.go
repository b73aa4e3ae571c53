// Package trigger decides when a run can stop before every task has closed.
package trigger

import (
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/streamspector/streamspector/pkg/collector"
)

// Trigger is evaluated against successive snapshots of the collected
// output. Once it returns true the run is stopped.
type Trigger[T any] interface {
	Evaluate(out collector.Output[T]) bool
}

// Func adapts a function to a Trigger.
type Func[T any] func(out collector.Output[T]) bool

func (f Func[T]) Evaluate(out collector.Output[T]) bool {
	return f(out)
}

// Count fires once at least n records were collected.
func Count[T any](n int) Trigger[T] {
	return Func[T](func(out collector.Output[T]) bool {
		return out.Len() >= n
	})
}

// Match fires once any collected record satisfies pred.
func Match[T any](pred func(T) bool) Trigger[T] {
	return Func[T](func(out collector.Output[T]) bool {
		for _, r := range out.Records {
			if pred(r) {
				return true
			}
		}
		return false
	})
}

// Window fires once d has passed on clock since its first evaluation.
func Window[T any](clock quartz.Clock, d time.Duration) Trigger[T] {
	return &window[T]{clock: clock, d: d}
}

type window[T any] struct {
	clock quartz.Clock
	d     time.Duration

	once  sync.Once
	armed time.Time
}

func (w *window[T]) Evaluate(collector.Output[T]) bool {
	w.once.Do(func() { w.armed = w.clock.Now("trigger", "window") })
	return w.clock.Since(w.armed, "trigger", "window") >= w.d
}

// Watermark fires once the event time of any collected record reached
// until.
func Watermark[T any](eventTime func(T) time.Time, until time.Time) Trigger[T] {
	return Func[T](func(out collector.Output[T]) bool {
		for _, r := range out.Records {
			if !eventTime(r).Before(until) {
				return true
			}
		}
		return false
	})
}

// AnyOf fires when any of triggers does.
func AnyOf[T any](triggers ...Trigger[T]) Trigger[T] {
	return Func[T](func(out collector.Output[T]) bool {
		for _, t := range triggers {
			if t.Evaluate(out) {
				return true
			}
		}
		return false
	})
}
