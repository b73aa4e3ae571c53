package trigger

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/streamspector/streamspector/pkg/collector"
)

// Source is the collector as seen by the engine.
type Source[T any] interface {
	Snapshot() collector.Output[T]
	Updates() <-chan struct{}
}

// Engine evaluates a trigger whenever the collected output changes and on a
// fixed interval, so time based triggers fire without new records.
type Engine[T any] struct {
	src      Source[T]
	trigger  Trigger[T]
	clock    quartz.Clock
	interval time.Duration
	logger   log.Logger
}

// NewEngine returns an engine for trigger over src. A zero interval disables
// periodic evaluation.
func NewEngine[T any](src Source[T], trigger Trigger[T], clock quartz.Clock, interval time.Duration, logger log.Logger) *Engine[T] {
	return &Engine[T]{
		src:      src,
		trigger:  trigger,
		clock:    clock,
		interval: interval,
		logger:   log.With(logger, "component", "trigger"),
	}
}

// Run blocks until the trigger fires and returns the snapshot it fired on,
// or until ctx is done.
func (e *Engine[T]) Run(ctx context.Context) (collector.Output[T], error) {
	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := e.clock.NewTicker(e.interval, "trigger", "evaluate")
		defer ticker.Stop()
		tick = ticker.C
	}

	evaluations := 0
	for {
		out := e.src.Snapshot()
		evaluations++
		if e.trigger.Evaluate(out) {
			level.Debug(e.logger).Log("msg", "trigger fired", "records", out.Len(), "evaluations", evaluations)
			return out, nil
		}

		select {
		case <-ctx.Done():
			return collector.Output[T]{}, ctx.Err()
		case <-e.src.Updates():
		case <-tick:
		}
	}
}
