package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/streamspector/streamspector/pkg/verify"
)

// runSummary is served on /run and printed when the run ends.
type runSummary struct {
	RunID     string `json:"run_id"`
	Address   string `json:"address"`
	Decided   bool   `json:"decided"`
	Status    string `json:"status,omitempty"`
	Cause     string `json:"cause,omitempty"`
	TaskCount int    `json:"task_count"`
	Opened    int    `json:"opened"`
	Closed    int    `json:"closed"`
	Records   int    `json:"records"`
	Dropped   int    `json:"dropped"`
	Stale     int    `json:"stale"`
	Error     string `json:"error,omitempty"`
}

func printReport(w io.Writer, runID string, res verify.RunResult[string], took time.Duration) {
	var status *color.Color
	switch res.Status() {
	case verify.StatusPassed:
		status = color.New(color.FgGreen, color.Bold)
	case verify.StatusTimedOut:
		status = color.New(color.FgYellow, color.Bold)
	default:
		status = color.New(color.FgRed, color.Bold)
	}

	out := res.Output()
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Run %s: ", runID)
	status.Fprintf(w, "%s", res.Status())
	fmt.Fprintf(w, " (%s after %s)\n", res.Cause(), took.Round(time.Millisecond))
	fmt.Fprintf(w,
		"\ttasks: %d/%d closed, %d opened\n",
		out.Closed, out.TaskCount, out.Opened,
	)
	fmt.Fprintf(w,
		"\trecords: %s collected, %s dropped, %s stale messages\n",
		humanize.Comma(int64(out.Len())),
		humanize.Comma(int64(out.Dropped)),
		humanize.Comma(int64(out.Stale)),
	)
	if err := res.Err(); err != nil {
		fmt.Fprintf(w, "\terror: %v\n", err)
	}
}
