package executor

import (
	"time"

	"github.com/agent462/shellpool/internal/command"
)

// HostResult holds the outcome of running a command on a single host.
type HostResult struct {
	Host     string
	Response *command.Response // last attempt; nil when skipped or failed
	Command  *command.Command
	Err      error // fatal connection or context errors
	Skipped  bool  // no pooled connection was available
	Duration time.Duration
}

// OK reports whether the host ran the command and it exited zero.
func (r *HostResult) OK() bool {
	return r.Err == nil && r.Response != nil && r.Response.OK()
}

// Summary counts results by outcome.
type Summary struct {
	OK      int
	Failed  int // ran, non-zero exit
	Errored int
	Skipped int
}

// Summarize tallies results.
func Summarize(results []*HostResult) Summary {
	var s Summary
	for _, r := range results {
		switch {
		case r == nil:
		case r.Err != nil:
			s.Errored++
		case r.Skipped:
			s.Skipped++
		case r.OK():
			s.OK++
		default:
			s.Failed++
		}
	}
	return s
}
