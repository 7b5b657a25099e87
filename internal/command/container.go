package command

import (
	"context"
	"fmt"
	"time"

	"github.com/alessio/shellescape"
)

const (
	EngineDocker  = "docker"
	EngineKubectl = "kubectl"
)

// ContainerRunner runs commands inside a container reachable from Inner,
// wrapping them in docker exec or kubectl exec.
type ContainerRunner struct {
	Inner Runner
	// Engine is EngineDocker (default) or EngineKubectl.
	Engine string
	// Namespace and Container only apply to kubectl.
	Namespace string
	Container string
	// Target is the container name or pod.
	Target string
}

func (r *ContainerRunner) Label() string {
	return r.Inner.Label() + "/" + r.Target
}

// Wrap returns the command line that runs cmd inside the container.
func (r *ContainerRunner) Wrap(cmd string) (string, error) {
	if r.Target == "" {
		return "", fmt.Errorf("container runner: no target")
	}
	switch r.Engine {
	case "", EngineDocker:
		return shellescape.QuoteCommand([]string{"docker", "exec", r.Target, "sh", "-c", cmd}), nil
	case EngineKubectl:
		args := []string{"kubectl", "exec"}
		if r.Namespace != "" {
			args = append(args, "-n", r.Namespace)
		}
		args = append(args, r.Target)
		if r.Container != "" {
			args = append(args, "-c", r.Container)
		}
		args = append(args, "--", "sh", "-c", cmd)
		return shellescape.QuoteCommand(args), nil
	default:
		return "", fmt.Errorf("container runner: unknown engine %q", r.Engine)
	}
}

// Run executes the wrapped command through Inner. The response reports the
// container label and the unwrapped command.
func (r *ContainerRunner) Run(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	wrapped, err := r.Wrap(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := r.Inner.Run(ctx, wrapped, timeout)
	if err != nil || resp == nil {
		return resp, err
	}
	out := *resp
	out.Host = r.Label()
	out.Cmd = cmd
	return &out, nil
}
