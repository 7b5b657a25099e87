// Package recipe runs named multi-step command sequences. Each step may
// narrow its hosts with a selector evaluated against the previous step.
package recipe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agent462/shellpool/internal/executor"
	"github.com/agent462/shellpool/internal/grouper"
	"github.com/agent462/shellpool/internal/selector"
)

// Step is one command of a recipe.
type Step struct {
	Selector string // empty selects every host
	Command  string
}

func (s Step) String() string {
	if s.Selector == "" {
		return s.Command
	}
	return s.Selector + " " + s.Command
}

// ParseStep splits a raw step into its selector and command.
func ParseStep(raw string) (Step, error) {
	sel, cmd := selector.Split(raw)
	if cmd == "" {
		return Step{}, fmt.Errorf("step %q has no command", raw)
	}
	return Step{Selector: sel, Command: cmd}, nil
}

// ParseSteps parses every step of a recipe.
func ParseSteps(raw []string) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for _, r := range raw {
		s, err := ParseStep(r)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// StepResult is the outcome of one step. A step whose selector picked no
// hosts has no results.
type StepResult struct {
	Step    Step
	Hosts   []string
	Results []*executor.HostResult
	Grouped *grouper.GroupedResults
}

// Failed counts hosts that ran the step without exiting 0, or never ran it.
func (r StepResult) Failed() int {
	s := executor.Summarize(r.Results)
	return s.Failed + s.Errored + s.Skipped
}

// Runner executes steps one after another across a fixed host list.
type Runner struct {
	exec          *executor.Executor
	hosts         []string
	stopOnFailure bool
	logger        zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithStopOnFailure ends the recipe after the first step with a failed host.
func WithStopOnFailure(stop bool) Option {
	return func(r *Runner) { r.stopOnFailure = stop }
}

// WithLogger sets the runner's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a Runner.
func New(exec *executor.Executor, hosts []string, opts ...Option) *Runner {
	r := &Runner{exec: exec, hosts: hosts, logger: log.Logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes steps in order. Selectors such as @failed in step N see the
// results of the last step that ran on at least one host. The returned
// results cover every step that ran, also when an error ends the recipe.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]StepResult, error) {
	state := &selector.State{AllHosts: r.hosts}
	results := make([]StepResult, 0, len(steps))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("recipe cancelled: %w", err)
		}

		hosts, err := selector.Resolve(step.Selector, state)
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i+1, step, err)
		}

		sr := StepResult{Step: step, Hosts: hosts}
		if len(hosts) == 0 {
			r.logger.Info().Int("step", i+1).Str("selector", step.Selector).Msg("no hosts selected, skipping step")
			results = append(results, sr)
			continue
		}

		sr.Results = r.exec.Execute(ctx, hosts, step.Command)
		sr.Grouped = grouper.Group(sr.Results)
		results = append(results, sr)
		state.Grouped = sr.Grouped

		if n := sr.Failed(); n > 0 && r.stopOnFailure {
			return results, fmt.Errorf("step %d (%s): %d of %d hosts did not succeed", i+1, step, n, len(hosts))
		}
	}
	return results, nil
}
