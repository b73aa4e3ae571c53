package runner

import (
	"time"

	"github.com/coder/quartz"
)

// watchdog bounds the duration of a run. The countdown starts when it is
// created.
type watchdog struct {
	timer *quartz.Timer
	d     time.Duration
}

func newWatchdog(clock quartz.Clock, d time.Duration) *watchdog {
	return &watchdog{
		timer: clock.NewTimer(d, "runner", "watchdog"),
		d:     d,
	}
}

// C fires once the run exceeded its timeout.
func (w *watchdog) C() <-chan time.Time {
	return w.timer.C
}

func (w *watchdog) Stop() {
	w.timer.Stop("runner", "watchdog")
}
