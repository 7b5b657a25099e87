package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/shellpool/internal/command"
)

// RunnerFor returns the runner that reaches host.
type RunnerFor func(host string) command.Runner

// Executor fans a command out across hosts with bounded concurrency. Each host
// gets its own Command, so retries on one host never delay another.
type Executor struct {
	runners     RunnerFor
	concurrency int
	timeout     time.Duration
	cmdOpts     []command.Option
	logger      zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets the maximum number of hosts worked on at once.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout bounds the total time spent on one host, retries included.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCommandOptions applies opts to every per-host Command.
func WithCommandOptions(opts ...command.Option) Option {
	return func(e *Executor) {
		e.cmdOpts = append(e.cmdOpts, opts...)
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an Executor that reaches hosts through runners.
func New(runners RunnerFor, opts ...Option) *Executor {
	e := &Executor{
		runners:     runners,
		concurrency: 20,
		timeout:     10 * time.Minute,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs cmd on every host. Results are returned in the same order as
// the input hosts slice.
func (e *Executor) Execute(ctx context.Context, hosts []string, cmd string) []*HostResult {
	results := make([]*HostResult, len(hosts))
	if len(hosts) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i, host := range hosts {
		g.Go(func() error {
			results[i] = e.runHost(ctx, host, cmd)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug().Int("hosts", len(hosts)).Str("cmd", cmd).Msg("fan-out complete")
	return results
}

func (e *Executor) runHost(ctx context.Context, host, cmd string) *HostResult {
	if err := ctx.Err(); err != nil {
		return &HostResult{Host: host, Err: err}
	}

	hostCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	c := command.New(cmd, e.cmdOpts...)

	start := time.Now()
	resp, err := c.Execute(hostCtx, e.runners(host))
	result := &HostResult{
		Host:     host,
		Response: resp,
		Command:  c,
		Err:      err,
		Skipped:  resp == nil && err == nil,
		Duration: time.Since(start),
	}
	if result.Skipped {
		e.logger.Warn().Str("host", host).Msg("skipped, no connection available")
	}
	return result
}
