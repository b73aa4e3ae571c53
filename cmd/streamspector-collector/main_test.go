package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/streamspector/streamspector/pkg/cfg"
	"github.com/streamspector/streamspector/pkg/collector"
	"github.com/streamspector/streamspector/pkg/job"
	"github.com/streamspector/streamspector/pkg/runner"
	"github.com/streamspector/streamspector/pkg/wire"
)

func TestConfig_FlagsAndValidate(t *testing.T) {
	var c Config
	err := cfg.DefaultUnmarshal(&c, []string{
		"-run.timeout=1m",
		"-expect.records=a,b,c",
		"-expect.ordered",
		"-expect.stop-matching=^b",
	}, flag.NewFlagSet("test", flag.ContinueOnError))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, time.Minute, c.Run.Timeout)
	require.Equal(t, "127.0.0.1:0", c.Run.Collector.ListenAddress)
	require.Equal(t, "127.0.0.1:8080", c.HTTPListenAddress)
	require.Equal(t, flagext.StringSliceCSV{"a", "b", "c"}, c.Expect.Records)
	require.Equal(t, -1, c.Expect.Count)

	c.Expect.StopMatching = "("
	require.Error(t, c.Validate())
}

func TestExpectConfig_Expectation(t *testing.T) {
	for _, tc := range []struct {
		name       string
		cfg        ExpectConfig
		records    []string
		passes     bool
		hasTrigger bool
		fires      bool
	}{
		{name: "nothing expected", cfg: ExpectConfig{Count: -1}, records: []string{"x"}, passes: true},
		{name: "any order", cfg: ExpectConfig{Count: -1, Records: []string{"a", "b"}}, records: []string{"b", "a"}, passes: true},
		{name: "ordered", cfg: ExpectConfig{Count: -1, Records: []string{"a", "b"}, Ordered: true}, records: []string{"b", "a"}},
		{name: "count", cfg: ExpectConfig{Count: 2}, records: []string{"b"}},
		{name: "stop after", cfg: ExpectConfig{Count: -1, StopAfter: 2}, records: []string{"a", "b"}, passes: true, hasTrigger: true, fires: true},
		{name: "stop matching", cfg: ExpectConfig{Count: -1, StopMatching: "^done$"}, records: []string{"a"}, passes: true, hasTrigger: true},
		{name: "both triggers", cfg: ExpectConfig{Count: -1, StopAfter: 5, StopMatching: "^done$"}, records: []string{"done"}, passes: true, hasTrigger: true, fires: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			exp := tc.cfg.Expectation()
			require.Equal(t, tc.passes, exp.Matcher.Match(tc.records) == nil)
			require.Equal(t, tc.hasTrigger, exp.Trigger != nil)
			if exp.Trigger != nil {
				require.Equal(t, tc.fires, exp.Trigger.Evaluate(collector.Output[string]{Records: tc.records}))
			}
		})
	}
}

func TestRouter_Run(t *testing.T) {
	r, err := runner.New(runner.Config{
		Timeout:         5 * time.Second,
		StopGracePeriod: time.Second,
		Collector:       collector.Config{ListenAddress: "127.0.0.1:0", MaxFrameSize: wire.DefaultMaxFrameSize},
	}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	h, err := runner.Start(context.Background(), r, job.FromSlices([]string{"a", "b"}), (&ExpectConfig{Count: 2}).Expectation())
	require.NoError(t, err)
	defer h.Stop()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run was not decided")
	}

	var c Config
	flagext.DefaultValues(&c)
	rec := httptest.NewRecorder()
	newRouter(&c, h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got runSummary
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, runSummary{
		RunID:     h.RunID(),
		Address:   h.Addr(),
		Decided:   true,
		Status:    "passed",
		Cause:     "completed",
		TaskCount: 1,
		Opened:    1,
		Closed:    1,
		Records:   2,
	}, got)
}
