package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent462/shellpool/internal/logging"
	"github.com/agent462/shellpool/internal/tunnel"
)

var forwardCmd = &cobra.Command{
	Use:   "forward <host> <localPort:remoteHost:remotePort>...",
	Short: "Forward local ports through a pooled session",
	Long: `Listens on 127.0.0.1 and forwards each connection through the host's
SSH session, like ssh -L. Each forward holds its own session from the pool,
so the number of forwards is bounded by the pool capacity. The command runs
until interrupted or until a session is lost.

Examples:
  shellpool forward bastion 5432:db.internal:5432
  shellpool forward web-01 8080:localhost:80 0:localhost:9100`,
	Args: cobra.MinimumNArgs(2),
	RunE: runForward,
}

func init() {
	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, args []string) error {
	forwards := make([]tunnel.Forward, 0, len(args)-1)
	for _, spec := range args[1:] {
		fwd, err := tunnel.ParseForward(spec)
		if err != nil {
			return err
		}
		forwards = append(forwards, fwd)
	}

	s, err := openSession(cmd.Context(), args[:1], false)
	if err != nil {
		return err
	}
	defer s.Close()

	host := s.hosts[0].Name
	logger := logging.Component("tunnel")

	var tunnels []*tunnel.Tunnel
	defer func() {
		for _, t := range tunnels {
			t.Close()
		}
	}()
	for _, fwd := range forwards {
		t, err := tunnel.Open(cmd.Context(), s.pool, host, s.options(host, false), fwd, tunnel.WithLogger(logger))
		if err != nil {
			return err
		}
		tunnels = append(tunnels, t)
		fmt.Fprintf(os.Stdout, "%s -> %s via %s\n", t.LocalAddr, t.RemoteAddr, host)
	}

	ctx := cmd.Context()
	down := make(chan *tunnel.Tunnel, len(tunnels))
	for _, t := range tunnels {
		go func() {
			select {
			case <-t.Done():
				down <- t
			case <-ctx.Done():
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case t := <-down:
		return fmt.Errorf("tunnel %s through %s closed", t.RemoteAddr, host)
	}
}
