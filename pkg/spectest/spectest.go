// Package spectest wires runs into the setup and teardown of Go tests.
package spectest

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamspector/streamspector/pkg/runner"
	util_log "github.com/streamspector/streamspector/pkg/util/log"
	"github.com/streamspector/streamspector/pkg/verify"
)

// Environment is a run set up for one test.
type Environment[T any] struct {
	handle *runner.Handle[T]
	result verify.RunResult[T]
}

// Handle is the underlying run.
func (e *Environment[T]) Handle() *runner.Handle[T] {
	return e.handle
}

// Result is the result of the run. It is only meaningful after Teardown.
func (e *Environment[T]) Result() verify.RunResult[T] {
	return e.result
}

// Setup starts job and returns the environment Teardown expects.
func Setup[T any](ctx context.Context, r *runner.Runner, job runner.Job, exp runner.Expectation[T]) (*Environment[T], error) {
	h, err := runner.Start(ctx, r, job, exp)
	if err != nil {
		return nil, err
	}
	return &Environment[T]{handle: h}, nil
}

// Teardown waits for the run to be decided and releases it. It returns nil
// when the expectation was met. A run stopped by its timeout fails with an
// error stating so, followed by the assertion message.
func Teardown[T any](env *Environment[T]) error {
	env.result = env.handle.Stop()
	switch env.result.Status() {
	case verify.StatusPassed:
		return nil
	case verify.StatusTimedOut:
		return errors.Wrap(env.result.Err(), "test terminated due to timeout")
	default:
		return env.result.Err()
	}
}

// Run starts job for t and verifies it when t finishes. Failures are
// reported with t.Error.
func Run[T any](t testing.TB, cfg runner.Config, job runner.Job, exp runner.Expectation[T]) *Environment[T] {
	t.Helper()

	r, err := runner.New(cfg, util_log.Logger, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	env, err := Setup(context.Background(), r, job, exp)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := Teardown(env); err != nil {
			t.Error(err)
		}
	})
	return env
}
