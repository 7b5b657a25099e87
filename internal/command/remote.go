package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agent462/shellpool/internal/ssh"
)

// ConnPool is the part of *ssh.Pool a RemoteRunner needs.
type ConnPool interface {
	Get(ctx context.Context, host string, opts ssh.GetOptions) (ssh.Conn, error)
	Return(host string, conn ssh.Conn, keepOpen bool)
}

// RemoteRunner runs commands on Host over a pooled SSH session.
type RemoteRunner struct {
	Pool    ConnPool
	Host    string
	Options ssh.GetOptions
	// KeepOpen returns healthy sessions to the pool for reuse.
	KeepOpen bool
}

func (r *RemoteRunner) Label() string { return r.Host }

// Run borrows a session, runs cmd and hands the session back. A session that
// timed out or lost its transport is closed rather than pooled.
func (r *RemoteRunner) Run(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	conn, err := r.Pool.Get(ctx, r.Host, r.Options)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}

	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, rc, err := conn.RunCommand(runCtx, cmd)
	end := time.Now()

	keepOpen := r.KeepOpen
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.Pool.Return(r.Host, conn, false)
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		rc = TimeoutRC
		keepOpen = false
	case ssh.IsConnectionLost(err):
		rc = ConnectionClosedRC
		keepOpen = false
	default:
		r.Pool.Return(r.Host, conn, false)
		return nil, fmt.Errorf("run on %s: %w", r.Host, err)
	}
	r.Pool.Return(r.Host, conn, keepOpen)

	return &Response{
		Host:   r.Host,
		Cmd:    cmd,
		RC:     rc,
		Stdout: string(stdout),
		Stderr: string(stderr),
		Start:  start,
		End:    end,
	}, nil
}
