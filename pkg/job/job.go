// Package job runs the job under test inside the test process.
package job

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/streamspector/streamspector/pkg/publisher"
)

// Sink receives the output of one task.
type Sink[T any] interface {
	Write(v T) error
}

// Task identifies one parallel instance of a job.
type Task struct {
	Index int
	Count int
}

func (t Task) String() string {
	return fmt.Sprintf("%d/%d", t.Index, t.Count)
}

// Parallel runs Task in Parallelism goroutines, each with its own
// publisher. A task's publisher is closed when the task returns, whatever
// it returns. The first task error cancels the others.
type Parallel[T any] struct {
	Parallelism int
	Task        func(ctx context.Context, task Task, out Sink[T]) error

	// Publisher takes the flag defaults when left zero. Zero fields of a
	// partially set config take the publisher defaults.
	Publisher publisher.Config
	Logger    log.Logger
	Metrics   *publisher.Metrics
}

func (p *Parallel[T]) Run(ctx context.Context, target publisher.Target) error {
	if p.Parallelism <= 0 {
		return errors.Errorf("parallelism must be greater than 0, got %d", p.Parallelism)
	}
	if p.Task == nil {
		return errors.New("no task function")
	}

	cfg := p.Publisher
	if cfg == (publisher.Config{}) {
		flagext.DefaultValues(&cfg)
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	pubs := make([]*publisher.Publisher[T], p.Parallelism)
	for i := range pubs {
		pub, err := publisher.New[T](cfg, target, i, p.Parallelism, logger, p.Metrics)
		if err != nil {
			return err
		}
		pubs[i] = pub
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, pub := range pubs {
		task := Task{Index: i, Count: p.Parallelism}
		g.Go(func() error {
			defer pub.Close()
			return errors.Wrapf(p.Task(ctx, task, pub), "task %s", task)
		})
	}
	return g.Wait()
}

// FromSlices is a job whose task i emits partitions[i] and returns.
func FromSlices[T any](partitions ...[]T) *Parallel[T] {
	return &Parallel[T]{
		Parallelism: len(partitions),
		Task: func(ctx context.Context, task Task, out Sink[T]) error {
			for _, v := range partitions[task.Index] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := out.Write(v); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// External is a job running in other processes. It reports the target
// through OnStart and waits to be stopped.
type External struct {
	OnStart func(target publisher.Target)
}

func (e External) Run(ctx context.Context, target publisher.Target) error {
	if e.OnStart != nil {
		e.OnStart(target)
	}
	<-ctx.Done()
	return nil
}
