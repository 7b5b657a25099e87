package command

import (
	"context"
	"time"
)

// Runner executes one attempt of a command on a single target.
//
// Run returns a nil Response and a nil error when no connection to the
// target was available; the caller may skip or requeue. A non-nil error is
// fatal for the command.
type Runner interface {
	Label() string
	Run(ctx context.Context, cmd string, timeout time.Duration) (*Response, error)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
