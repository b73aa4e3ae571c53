package runner

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamspector/streamspector/pkg/collector"
	"github.com/streamspector/streamspector/pkg/publisher"
	"github.com/streamspector/streamspector/pkg/trigger"
	"github.com/streamspector/streamspector/pkg/verify"
)

// Job is the job under test. Run must stream the output of every task to
// target and return once ctx is cancelled. A nil return does not end the
// run; an error does.
type Job interface {
	Run(ctx context.Context, target publisher.Target) error
}

// JobFunc adapts a function to a Job.
type JobFunc func(ctx context.Context, target publisher.Target) error

func (f JobFunc) Run(ctx context.Context, target publisher.Target) error {
	return f(ctx, target)
}

// Expectation is what a run is verified against. Without a trigger a run
// only ends on completion, failure or timeout.
type Expectation[T any] struct {
	Matcher verify.Matcher[T]
	Trigger trigger.Trigger[T]
}

// Runner starts runs. Metrics are registered once per Runner.
type Runner struct {
	cfg    Config
	logger log.Logger
	clock  quartz.Clock

	collectorMetrics *collector.Metrics
	metrics          *metrics
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid runner config")
	}
	return &Runner{
		cfg:              cfg,
		logger:           logger,
		clock:            quartz.NewReal(),
		collectorMetrics: collector.NewMetrics(reg),
		metrics:          newMetrics(reg),
	}, nil
}

// Handle is a started run.
type Handle[T any] struct {
	runID     string
	logger    log.Logger
	runner    *Runner
	collector *collector.Collector[T]
	verifier  *verify.Verifier[T]
	started   time.Time

	cancelJob   context.CancelFunc
	stopTrigger context.CancelFunc
	jobDone     chan struct{}
	jobFailed   chan error

	wg       sync.WaitGroup
	decided  chan struct{}
	result   verify.RunResult[T]
	stopOnce sync.Once
}

// Start starts a collector, launches job against it and arms the watchdog.
// The run is decided by whichever happens first: every task closed, the
// trigger fired, the timeout elapsed, a protocol error, the job failed or
// ctx was cancelled. Stop must always be called.
func Start[T any](ctx context.Context, r *Runner, job Job, exp Expectation[T]) (*Handle[T], error) {
	runID := r.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := log.With(r.logger, "run", runID)

	c := collector.New[T](r.cfg.Collector, runID, r.logger, r.collectorMetrics)
	if err := services.StartAndAwaitRunning(ctx, c); err != nil {
		return nil, errors.Wrap(err, "starting collector")
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	h := &Handle[T]{
		runID:     runID,
		logger:    logger,
		runner:    r,
		collector: c,
		verifier:  verify.New(exp.Matcher),
		started:   r.clock.Now(),
		cancelJob: cancelJob,
		jobDone:   make(chan struct{}),
		jobFailed: make(chan error, 1),
		decided:   make(chan struct{}),
	}

	wd := newWatchdog(r.clock, r.cfg.Timeout)

	var fired <-chan collector.Output[T]
	if exp.Trigger != nil {
		fired = h.runTrigger(ctx, exp.Trigger)
	}

	target := publisher.Target{Address: c.Addr(), RunID: runID}
	level.Info(logger).Log("msg", "run started", "collector", target.Address, "timeout", r.cfg.Timeout)

	go func() {
		defer close(h.jobDone)
		err := job.Run(jobCtx, target)
		switch {
		case err == nil:
			level.Debug(logger).Log("msg", "job returned")
		case jobCtx.Err() != nil:
			level.Debug(logger).Log("msg", "job returned after it was stopped", "err", err)
		default:
			h.jobFailed <- err
		}
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.decide(ctx, wd, fired)
	}()
	return h, nil
}

// runTrigger evaluates the trigger until it fires or the run is decided.
func (h *Handle[T]) runTrigger(ctx context.Context, t trigger.Trigger[T]) <-chan collector.Output[T] {
	fired := make(chan collector.Output[T], 1)
	engine := trigger.NewEngine[T](h.collector, t, h.runner.clock, h.runner.cfg.EvaluationInterval, h.logger)

	ctx, h.stopTrigger = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		out, err := engine.Run(ctx)
		if err == nil {
			fired <- out
		}
	}()
	return fired
}

func (h *Handle[T]) decide(ctx context.Context, wd *watchdog, fired <-chan collector.Output[T]) {
	defer close(h.decided)
	defer wd.Stop()

	var res verify.RunResult[T]
	select {
	case <-h.collector.Done():
		res = h.verifier.Verify(h.collector.Snapshot(), verify.CauseCompleted)
	case out := <-fired:
		res = h.verifier.Verify(out, verify.CauseTriggered)
	case <-wd.C():
		out := h.collector.Snapshot()
		level.Warn(h.logger).Log("msg", "run timed out, stopping job", "timeout", wd.d, "closed", out.Closed, "task_count", out.TaskCount, "records", out.Len())
		res = h.verifier.Verify(out, verify.CauseTimeout)
	case err := <-h.collector.Failed():
		res = verify.Aborted(h.collector.Snapshot(), err)
	case err := <-h.jobFailed:
		res = verify.Aborted(h.collector.Snapshot(), &JobError{Err: err})
	case <-ctx.Done():
		res = verify.Aborted(h.collector.Snapshot(), ctx.Err())
	}
	h.result = res
	h.cancelJob()
	if h.stopTrigger != nil {
		h.stopTrigger()
	}

	h.runner.metrics.runs.WithLabelValues(res.Status().String(), res.Cause().String()).Inc()
	h.runner.metrics.duration.Observe(h.runner.clock.Since(h.started).Seconds())

	logger := level.Info(h.logger)
	if !res.Passed() {
		logger = level.Warn(h.logger)
	}
	logger.Log("msg", "run decided", "status", res.Status(), "cause", res.Cause(), "records", res.Output().Len(), "err", res.Err())
}

// RunID identifies the run on the wire.
func (h *Handle[T]) RunID() string {
	return h.runID
}

// Addr is the address of the run's collector.
func (h *Handle[T]) Addr() string {
	return h.collector.Addr()
}

// Result returns the result once the run is decided.
func (h *Handle[T]) Result() (verify.RunResult[T], bool) {
	select {
	case <-h.decided:
		return h.result, true
	default:
		return verify.RunResult[T]{}, false
	}
}

// Snapshot is the output collected so far.
func (h *Handle[T]) Snapshot() collector.Output[T] {
	return h.collector.Snapshot()
}

// Done is closed once the run is decided.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.decided
}

// Stop blocks until the run is decided, stops the job, waits up to the
// stop grace period for it to return and releases the collector. It
// returns the same result on every call.
func (h *Handle[T]) Stop() verify.RunResult[T] {
	h.stopOnce.Do(func() {
		<-h.decided
		h.cancelJob()

		h.awaitJob()

		h.wg.Wait()
		if err := services.StopAndAwaitTerminated(context.Background(), h.collector); err != nil {
			level.Error(h.logger).Log("msg", "stopping collector", "err", err)
		}
	})
	return h.result
}

func (h *Handle[T]) awaitJob() {
	grace := h.runner.cfg.StopGracePeriod
	if grace <= 0 {
		select {
		case <-h.jobDone:
			return
		default:
		}
	} else {
		t := h.runner.clock.NewTimer(grace, "runner", "grace")
		defer t.Stop("runner", "grace")
		select {
		case <-h.jobDone:
			return
		case <-t.C:
		}
	}
	level.Warn(h.logger).Log("msg", "job did not stop within the grace period", "grace_period", grace)
}
