package main

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"

	"github.com/streamspector/streamspector/pkg/runner"
	"github.com/streamspector/streamspector/pkg/trigger"
	"github.com/streamspector/streamspector/pkg/verify"
)

// Config is the configuration of the standalone collector.
type Config struct {
	ConfigFile      string `yaml:"-"`
	ConfigExpandEnv bool   `yaml:"-"`
	PrintVersion    bool   `yaml:"-"`

	LogLevel          dslog.Level  `yaml:"log_level"`
	LogFormat         dslog.Format `yaml:"log_format"`
	HTTPListenAddress string       `yaml:"http_listen_address"`

	Run    runner.Config `yaml:"run"`
	Expect ExpectConfig  `yaml:"expect"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "YAML file to load.")
	f.BoolVar(&c.ConfigExpandEnv, "config.expand-env", false, "Expands ${var} in the config file according to the values of the environment variables.")
	f.BoolVar(&c.PrintVersion, "version", false, "Print this program's version and exit.")

	c.LogLevel.RegisterFlags(f)
	c.LogFormat.RegisterFlags(f)
	f.StringVar(&c.HTTPListenAddress, "http.listen-address", "127.0.0.1:8080", "Address of the HTTP server exposing /metrics, /log_level and /run. Empty disables it.")

	c.Run.RegisterFlags(f)
	c.Expect.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	return errors.Wrap(c.Expect.Validate(), "invalid expectation")
}

// ExpectConfig describes the expectation on the collected lines.
type ExpectConfig struct {
	Records      flagext.StringSliceCSV `yaml:"records"`
	Ordered      bool                   `yaml:"ordered"`
	Count        int                    `yaml:"count"`
	StopAfter    int                    `yaml:"stop_after"`
	StopMatching string                 `yaml:"stop_matching"`
}

func (c *ExpectConfig) RegisterFlags(f *flag.FlagSet) {
	f.Var(&c.Records, "expect.records", "Comma separated lines the run must produce.")
	f.BoolVar(&c.Ordered, "expect.ordered", false, "Require expect.records in the given order instead of any order.")
	f.IntVar(&c.Count, "expect.count", -1, "Number of lines the run must produce. -1 disables the check.")
	f.IntVar(&c.StopAfter, "expect.stop-after", 0, "Stop the run once this many lines were collected. 0 waits for every task to close.")
	f.StringVar(&c.StopMatching, "expect.stop-matching", "", "Stop the run once a line matches this regular expression.")
}

func (c *ExpectConfig) Validate() error {
	if c.Count < -1 {
		return errors.New("expect.count must be -1 or greater")
	}
	if c.StopAfter < 0 {
		return errors.New("expect.stop-after must not be negative")
	}
	if c.StopMatching != "" {
		if _, err := regexp.Compile(c.StopMatching); err != nil {
			return errors.Wrap(err, "expect.stop-matching")
		}
	}
	return nil
}

// Expectation builds the expectation the collected lines are verified
// against.
func (c *ExpectConfig) Expectation() runner.Expectation[string] {
	var matchers []verify.Matcher[string]
	if len(c.Records) > 0 {
		if c.Ordered {
			matchers = append(matchers, verify.InOrder([]string(c.Records)))
		} else {
			matchers = append(matchers, verify.InAnyOrder([]string(c.Records)))
		}
	}
	if c.Count >= 0 {
		matchers = append(matchers, verify.Count[string](c.Count))
	}

	var triggers []trigger.Trigger[string]
	if c.StopAfter > 0 {
		triggers = append(triggers, trigger.Count[string](c.StopAfter))
	}
	if c.StopMatching != "" {
		re := regexp.MustCompile(c.StopMatching)
		triggers = append(triggers, trigger.Match(re.MatchString))
	}

	exp := runner.Expectation[string]{Matcher: verify.All(matchers...)}
	switch len(triggers) {
	case 0:
	case 1:
		exp.Trigger = triggers[0]
	default:
		exp.Trigger = trigger.AnyOf(triggers...)
	}
	return exp
}
