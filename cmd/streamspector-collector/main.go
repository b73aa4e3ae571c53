// Command streamspector-collector collects the output of a job running in
// other processes and verifies it once every task closed, a stop condition
// matched or the timeout elapsed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/streamspector/streamspector/pkg/cfg"
	"github.com/streamspector/streamspector/pkg/job"
	"github.com/streamspector/streamspector/pkg/publisher"
	"github.com/streamspector/streamspector/pkg/runner"
	util_log "github.com/streamspector/streamspector/pkg/util/log"
)

func main() {
	var config Config
	if err := cfg.DefaultUnmarshal(&config, os.Args[1:], flag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if config.PrintVersion {
		fmt.Println(version.Print("streamspector-collector"))
		os.Exit(0)
	}

	util_log.InitLogger(config.LogLevel, config.LogFormat, prometheus.DefaultRegisterer)
	logger := util_log.Logger

	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err.Error())
		os.Exit(1)
	}

	r, err := runner.New(config.Run, logger, prometheus.DefaultRegisterer)
	util_log.CheckFatal("initialising runner", err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()
	h, err := runner.Start(ctx, r, job.External{OnStart: func(target publisher.Target) {
		fmt.Printf("collector listening on %s, run id %s\n", target.Address, target.RunID)
	}}, config.Expect.Expectation())
	util_log.CheckFatal("starting run", err)

	var g run.Group
	{
		done := make(chan struct{})
		g.Add(func() error {
			select {
			case <-h.Done():
			case <-done:
			}
			return nil
		}, func(error) {
			close(done)
		})
	}
	{
		g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	}
	if config.HTTPListenAddress != "" {
		srv := &http.Server{
			Addr:              config.HTTPListenAddress,
			Handler:           newRouter(&config, h),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			level.Info(logger).Log("msg", "http server listening", "addr", config.HTTPListenAddress)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Run(); err != nil {
		level.Info(logger).Log("msg", "stopping", "reason", err)
	}
	// An interrupt decides the run as aborted; the collector keeps what it got.
	cancel()

	res := h.Stop()
	printReport(os.Stdout, h.RunID(), res, time.Since(started))
	if !res.Passed() {
		os.Exit(1)
	}
}

func newRouter(config *Config, h *runner.Handle[string]) *mux.Router {
	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.Handler())
	router.Path("/log_level").Methods(http.MethodGet, http.MethodPost).Handler(util_log.LevelHandler(&config.LogLevel))
	router.Path("/run").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		out := h.Snapshot()
		summary := runSummary{
			RunID:     h.RunID(),
			Address:   h.Addr(),
			TaskCount: out.TaskCount,
			Opened:    out.Opened,
			Closed:    out.Closed,
			Records:   out.Len(),
			Dropped:   out.Dropped,
			Stale:     out.Stale,
		}
		if res, ok := h.Result(); ok {
			summary.Decided = true
			summary.Status = res.Status().String()
			summary.Cause = res.Cause().String()
			if res.Err() != nil {
				summary.Error = res.Err().Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := jsoniter.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return router
}
