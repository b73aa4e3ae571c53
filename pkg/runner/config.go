package runner

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/streamspector/streamspector/pkg/collector"
)

// Config configures the runs started by a Runner.
type Config struct {
	// RunID is stamped on every message of a run. A random one is generated
	// per run when empty.
	RunID string `yaml:"run_id"`

	Timeout            time.Duration `yaml:"timeout"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	StopGracePeriod    time.Duration `yaml:"stop_grace_period"`

	Collector collector.Config `yaml:"collector"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.RunID, "run.id", "", "ID shared by the collector and the publishers of a run. Generated when empty.")
	f.DurationVar(&cfg.Timeout, "run.timeout", 30*time.Second, "Maximum duration of a run. When it elapses the job is stopped and the expectation is evaluated on what was collected so far.")
	f.DurationVar(&cfg.EvaluationInterval, "run.evaluation-interval", 100*time.Millisecond, "Interval at which the trigger is re-evaluated when no records arrive. 0 evaluates on new records only.")
	f.DurationVar(&cfg.StopGracePeriod, "run.stop-grace-period", 5*time.Second, "How long to wait for a stopped job to return before releasing the collector.")
	cfg.Collector.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.Timeout <= 0 {
		return errors.New("run.timeout must be greater than 0")
	}
	if cfg.EvaluationInterval < 0 {
		return errors.New("run.evaluation-interval must not be negative")
	}
	if cfg.StopGracePeriod < 0 {
		return errors.New("run.stop-grace-period must not be negative")
	}
	return errors.Wrap(cfg.Collector.Validate(), "invalid collector config")
}
