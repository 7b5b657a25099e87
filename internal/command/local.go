package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps reading output after the shell was
// killed, in case a grandchild still holds the pipes.
const waitDelay = 500 * time.Millisecond

// LocalRunner runs commands on this machine through a shell.
type LocalRunner struct {
	// Shell defaults to /bin/sh.
	Shell string
	Dir   string
	// Env replaces the process environment when non-nil.
	Env []string
}

func (r *LocalRunner) Label() string { return "localhost" }

func (r *LocalRunner) Run(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, shell, "-c", cmd)
	c.Dir = r.Dir
	c.Env = r.Env
	c.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	pid := c.Process.Pid
	err := c.Wait()
	end := time.Now()

	rc := 0
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		rc = TimeoutRC
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait for pid %d: %w", pid, err)
		}
		rc = exitCode(exitErr)
	}

	return &Response{
		Host:   r.Label(),
		Cmd:    cmd,
		RC:     rc,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Start:  start,
		End:    end,
		PID:    pid,
	}, nil
}

// exitCode maps a signal death to 128+signal like a shell does.
func exitCode(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}
