// Command streamspector-publish publishes the lines read from stdin as one
// task of a run collected by streamspector-collector.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/common/version"

	"github.com/streamspector/streamspector/pkg/publisher"
	util_log "github.com/streamspector/streamspector/pkg/util/log"
	"github.com/streamspector/streamspector/pkg/wire"
)

// publishCommand streams stdin to the collector.
type publishCommand struct {
	cfg       publisher.Config
	runID     string
	taskIndex int
	taskCount int
	logLevel  string
	maxLine   int
}

func (cmd *publishCommand) run(_ *kingpin.ParseContext) error {
	var lvl dslog.Level
	if err := lvl.Set(cmd.logLevel); err != nil {
		return err
	}
	util_log.InitLogger(lvl, dslog.Format{}, nil)

	if err := cmd.cfg.Validate(); err != nil {
		return err
	}

	p, err := publisher.New[string](cmd.cfg, publisher.Target{Address: cmd.cfg.Address, RunID: cmd.runID}, cmd.taskIndex, cmd.taskCount, util_log.Logger, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	lines, bytes, err := publishLines(os.Stdin, p, cmd.maxLine)
	if cerr := p.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	level.Debug(util_log.Logger).Log("msg", "task closed", "lines", lines)
	fmt.Fprintf(os.Stderr,
		"task %d/%d: published %s lines (%s) in %s\n",
		cmd.taskIndex, cmd.taskCount,
		humanize.Comma(lines),
		humanize.Bytes(bytes),
		time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// publishLines writes every line of r to p and returns the number of lines
// and bytes read.
func publishLines(r io.Reader, p *publisher.Publisher[string], maxLine int) (int64, uint64, error) {
	var (
		lines int64
		bytes uint64
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	for sc.Scan() {
		line := sc.Text()
		lines++
		bytes += uint64(len(line))
		if err := p.Write(line); err != nil {
			return lines, bytes, err
		}
	}
	return lines, bytes, sc.Err()
}

func main() {
	app := kingpin.New("streamspector-publish", "Publishes lines read from stdin as one task of a run.")
	app.Version(version.Print("streamspector-publish"))
	app.HelpFlag.Short('h')

	cmd := &publishCommand{}
	app.Flag("publisher.address", "Address of the collector, host:port.").Required().StringVar(&cmd.cfg.Address)
	app.Flag("run.id", "Run ID printed by the collector.").Required().StringVar(&cmd.runID)
	app.Flag("task.index", "Index of this task.").Default("0").IntVar(&cmd.taskIndex)
	app.Flag("task.count", "Number of tasks of the job.").Default("1").IntVar(&cmd.taskCount)
	app.Flag("publisher.dial-timeout", "Timeout for connecting to the collector.").Default("5s").DurationVar(&cmd.cfg.DialTimeout)
	app.Flag("publisher.write-timeout", "Timeout for writing a single message.").Default("10s").DurationVar(&cmd.cfg.WriteTimeout)
	app.Flag("publisher.values.codec", "Codec for the lines.").Default(wire.CodecCBOR).EnumVar(&cmd.cfg.Values.Codec, wire.CodecCBOR, wire.CodecJSON)
	app.Flag("publisher.values.compression", "Compression for the lines.").Default(wire.CompressionNone).EnumVar(&cmd.cfg.Values.Compression, wire.Compressions...)
	app.Flag("max-line-size", "Longest accepted input line in bytes.").Default("1048576").IntVar(&cmd.maxLine)
	app.Flag("log.level", "Only log messages with the given severity or above.").Default("info").EnumVar(&cmd.logLevel, "debug", "info", "warn", "error")
	app.Action(cmd.run)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
