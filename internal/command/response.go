package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved return codes.
const (
	// NoRC marks a response whose return code is not known yet.
	NoRC = -1
	// TimeoutRC is reported when an attempt exceeds its timeout, matching
	// coreutils timeout(1).
	TimeoutRC = 124
	// KilledRC is reported for a process killed with SIGKILL.
	KilledRC = 137
	// ConnectionClosedRC is reported when the remote transport went away
	// mid-command.
	ConnectionClosedRC = 255
)

// ErrMalformedOutput is wrapped by JSON decoding failures of a response's stdout.
var ErrMalformedOutput = errors.New("malformed command output")

// Response is the outcome of one execution attempt. Runners build it once;
// it is not modified after being returned.
type Response struct {
	Host   string
	Cmd    string
	RC     int
	Stdout string
	Stderr string
	Start  time.Time
	End    time.Time
	// PID is the local process id; zero for remote attempts.
	PID int
}

// Elapsed returns how long the attempt ran.
func (r *Response) Elapsed() time.Duration {
	if r.Start.IsZero() || r.End.Before(r.Start) {
		return 0
	}
	return r.End.Sub(r.Start)
}

// OK reports whether the command exited with status zero.
func (r *Response) OK() bool {
	return r.RC == 0
}

// JSON parses stdout as a JSON document.
func (r *Response) JSON() (any, error) {
	var v any
	if err := r.DecodeJSON(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeJSON parses stdout into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal([]byte(r.Stdout), v); err != nil {
		return fmt.Errorf("%w from '%s' on %s: %w", ErrMalformedOutput, r.Cmd, r.Host, err)
	}
	return nil
}
