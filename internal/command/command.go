// Package command runs shell commands through a Runner with classified
// retries and jittered backoff between attempts.
package command

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryLimit = 2
	DefaultTimeout    = 60 * time.Second
)

// DefaultRecoverableCodes are the return codes retried unless overridden.
var DefaultRecoverableCodes = []int{TimeoutRC, KilledRC}

// State is a Command's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StatePreExecute
	StateExecuting
	StatePostExecute
	StateRetry
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePreExecute:
		return "pre-execute"
	case StateExecuting:
		return "executing"
	case StatePostExecute:
		return "post-execute"
	case StateRetry:
		return "retry"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Recorder persists every attempt. attempt is 1-based.
type Recorder interface {
	Record(ctx context.Context, resp *Response, attempt int) error
}

// FailedError is returned when a command checked for success exits non-zero.
type FailedError struct {
	Host   string
	Cmd    string
	RC     int
	Stderr string
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("command '%s' on %s failed with rc %d", e.Cmd, e.Host, e.RC)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// logErrMu keeps multi-line error reports from concurrent commands apart.
var logErrMu sync.Mutex

// Command is a single shell command and its retry bookkeeping. A Command is
// not safe for concurrent use; build one per target.
type Command struct {
	cmd          string
	allowRetries bool
	retryLimit   int
	limitSet     bool
	timeout      time.Duration
	checkPass    bool
	logCmd       bool
	recoverable  map[int]struct{}
	recorder     Recorder
	logger       zerolog.Logger
	random       func() float64
	sleep        func(time.Duration)

	state      State
	host       string
	start      time.Time
	retryCount int
	finished   bool
	response   *Response
}

// Option configures a Command.
type Option func(*Command)

// WithRetries enables or disables retrying recoverable failures.
func WithRetries(allow bool) Option {
	return func(c *Command) { c.allowRetries = allow }
}

// WithRetryLimit sets the attempt budget shared by recoverable return codes
// and closed connections. Every failed attempt counts against it and no new
// attempt starts once the count reaches n, so n is the maximum number of
// attempts and a limit of 0 or 1 runs the command once.
func WithRetryLimit(n int) Option {
	return func(c *Command) {
		if n >= 0 {
			c.retryLimit = n
			c.limitSet = true
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCheckPass makes a finished command with a non-zero rc an error.
func WithCheckPass(check bool) Option {
	return func(c *Command) { c.checkPass = check }
}

// WithLogCmd toggles the per-attempt log lines.
func WithLogCmd(logCmd bool) Option {
	return func(c *Command) { c.logCmd = logCmd }
}

// WithRecoverableCodes replaces the set of return codes worth retrying.
func WithRecoverableCodes(codes ...int) Option {
	return func(c *Command) {
		c.recoverable = make(map[int]struct{}, len(codes))
		for _, code := range codes {
			c.recoverable[code] = struct{}{}
		}
	}
}

// WithRecorder persists every attempt.
func WithRecorder(r Recorder) Option {
	return func(c *Command) { c.recorder = r }
}

// WithLogger sets the command's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Command) { c.logger = l }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(c *Command) {
		if fn != nil {
			c.random = fn
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Command) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New creates a Command for cmd.
func New(cmd string, opts ...Option) *Command {
	c := &Command{
		cmd:          cmd,
		allowRetries: true,
		retryLimit:   DefaultRetryLimit,
		timeout:      DefaultTimeout,
		logCmd:       true,
		logger:       log.Logger,
		random:       rand.Float64,
		sleep:        time.Sleep,
	}
	WithRecoverableCodes(DefaultRecoverableCodes...)(c)
	for _, opt := range opts {
		opt(c)
	}
	if !c.allowRetries && !c.limitSet {
		c.retryLimit = 1
	}
	return c
}

// Cmd returns the shell command.
func (c *Command) Cmd() string { return c.cmd }

// Timeout returns the per-attempt timeout.
func (c *Command) Timeout() time.Duration { return c.timeout }

// RetryCount returns the number of retries consumed so far.
func (c *Command) RetryCount() int { return c.retryCount }

// RetryLimit returns the maximum number of retries.
func (c *Command) RetryLimit() int { return c.retryLimit }

// Finished reports whether the command reached a final result.
func (c *Command) Finished() bool { return c.finished }

// State returns the current lifecycle state.
func (c *Command) State() State { return c.state }

// Response returns the last attempt's response, or nil before the first one.
func (c *Command) Response() *Response { return c.response }

// Execute runs the command through runner until it finishes, runs out of
// retries, or fails. It returns (nil, nil) when the runner had no connection
// available. A command whose transport kept closing may come back unfinished
// with a ConnectionClosedRC response; check Finished.
func (c *Command) Execute(ctx context.Context, runner Runner) (*Response, error) {
	for {
		if err := ctx.Err(); err != nil {
			return c.response, err
		}

		c.preExecute(runner.Label())

		c.state = StateExecuting
		resp, err := runner.Run(ctx, c.cmd, c.timeout)
		if err != nil {
			return nil, fmt.Errorf("execute '%s' on %s: %w", c.cmd, c.host, err)
		}
		if resp == nil {
			c.logger.Warn().Str("host", c.host).Str("cmd", c.cmd).Msg("no connection available, command not executed")
			if c.response != nil {
				// A retry found the pool saturated; keep the last attempt.
				c.state = StateRetry
				return c.response, nil
			}
			c.state = StateCreated
			return nil, nil
		}
		c.response = resp
		c.record(ctx, resp)

		retry, err := c.postExecute()
		if err != nil {
			return resp, err
		}
		if !retry {
			return resp, nil
		}
	}
}

func (c *Command) preExecute(label string) {
	c.state = StatePreExecute
	c.start = time.Now()
	c.host = label
	if c.logCmd {
		c.logger.Info().Msgf("Executing command on %s: '%s' [timeout %gs]", c.host, c.cmd, c.timeout.Seconds())
	}
}

// postExecute classifies the last response and reports whether another
// attempt has been scheduled.
func (c *Command) postExecute() (bool, error) {
	c.state = StatePostExecute
	resp := c.response

	if resp.RC == ConnectionClosedRC {
		// Same budget as canRetry, but the command is never finished here.
		if c.allowRetries && c.retryCount < c.retryLimit {
			c.retryCount++
		}
		if c.allowRetries && c.retryCount < c.retryLimit {
			c.logger.Warn().
				Str("host", c.host).
				Int("retry", c.retryCount).
				Int("limit", c.retryLimit).
				Msg("connection closed while running command, retrying")
			c.sleepBetweenAttempts()
			c.state = StateRetry
			return true, nil
		}
		c.logErrorResult()
		return false, nil
	}

	if c.logCmd {
		c.logger.Info().
			Str("host", c.host).
			Dur("elapsed", resp.Elapsed()).
			Int("rc", resp.RC).
			Str("stdout", resp.Stdout).
			Msgf("Executed command on %s: '%s'", c.host, c.cmd)
	}

	if _, ok := c.recoverable[resp.RC]; ok {
		c.logErrorResult()
		if c.canRetry() {
			c.sleepBetweenAttempts()
			c.state = StateRetry
			return true, nil
		}
	} else {
		c.finish()
	}

	if c.checkPass {
		return false, c.checkCommandPassed()
	}
	return false, nil
}

// canRetry counts the failed attempt against the limit and reports whether
// another attempt is allowed. When none is, the command is finished.
// retryCount never exceeds retryLimit.
func (c *Command) canRetry() bool {
	if !c.allowRetries {
		c.finish()
		return false
	}
	if c.retryCount < c.retryLimit {
		c.retryCount++
	}
	if c.retryCount < c.retryLimit {
		return true
	}
	c.finish()
	return false
}

func (c *Command) finish() {
	c.finished = true
	c.state = StateFinished
}

// backoff returns 0.25s plus up to 2s of jitter.
func (c *Command) backoff() time.Duration {
	secs := 0.25 + 2*c.random()
	return time.Duration(math.Round(secs*1000)) * time.Millisecond
}

func (c *Command) sleepBetweenAttempts() {
	d := c.backoff()
	c.logger.Info().Str("host", c.host).Dur("sleep", d).Msgf("Sleeping %.3fs before next attempt", d.Seconds())
	c.sleep(d)
}

func (c *Command) logErrorResult() {
	logErrMu.Lock()
	defer logErrMu.Unlock()

	resp := c.response
	if resp.RC == ConnectionClosedRC {
		c.logger.Error().
			Str("host", c.host).
			Str("cmd", c.cmd).
			Int("retries", c.retryCount).
			Msgf("Connection to %s closed while running '%s'; giving up after %d retries", c.host, c.cmd, c.retryCount)
		return
	}
	c.logger.Error().
		Str("host", c.host).
		Str("cmd", c.cmd).
		Int("rc", resp.RC).
		Dur("elapsed", resp.Elapsed()).
		Str("stdout", resp.Stdout).
		Str("stderr", resp.Stderr).
		Msgf("Command '%s' on %s returned rc %d", c.cmd, c.host, resp.RC)
}

func (c *Command) checkCommandPassed() error {
	resp := c.response
	if resp.RC == 0 {
		return nil
	}
	return &FailedError{Host: c.host, Cmd: c.cmd, RC: resp.RC, Stderr: resp.Stderr}
}

func (c *Command) record(ctx context.Context, resp *Response) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, resp, c.retryCount+1); err != nil {
		c.logger.Warn().Err(err).Str("host", c.host).Msg("could not record command attempt")
	}
}
