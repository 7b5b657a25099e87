package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent462/shellpool/internal/logging"
	"github.com/agent462/shellpool/internal/ssh"
	"github.com/agent462/shellpool/internal/transfer"
)

var pushCmd = &cobra.Command{
	Use:   "push <local-file> <remote-path> [host...]",
	Short: "Upload a file to every host over SFTP",
	Long: `Uploads a local file to each host and verifies its SHA-256 checksum on
the remote side. Sessions are borrowed from the same pool used by run.

Examples:
  shellpool push ./nginx.conf /etc/nginx/nginx.conf web-01 web-02
  shellpool push -g web ./app.env /srv/app/.env`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <remote-file> <local-dir> [host...]",
	Short: "Download a file from every host over SFTP",
	Long: `Downloads a remote file from each host into <local-dir>/<host>/ and
verifies its SHA-256 checksum.

Examples:
  shellpool pull /var/log/syslog ./logs db-01 db-02
  shellpool pull -g web /etc/os-release ./inventory`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPull,
}

var (
	transferTimeout  time.Duration
	transferProgress bool
)

func init() {
	for _, c := range []*cobra.Command{pushCmd, pullCmd} {
		rootCmd.AddCommand(c)
		c.Flags().DurationVar(&transferTimeout, "timeout", 5*time.Minute, "Timeout per host")
		c.Flags().BoolVar(&transferProgress, "progress", false, "Log transfer progress")
	}
}

func runPush(cmd *cobra.Command, args []string) error {
	localPath, remotePath := args[0], args[1]
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("local file: %w", err)
	}
	return runTransfer(cmd, args[2:], func(e *transfer.Executor, hosts []string, progress transfer.ProgressFunc) []*transfer.Result {
		return e.Push(cmd.Context(), hosts, localPath, remotePath, progress)
	})
}

func runPull(cmd *cobra.Command, args []string) error {
	remotePath, localDir := args[0], args[1]
	return runTransfer(cmd, args[2:], func(e *transfer.Executor, hosts []string, progress transfer.ProgressFunc) []*transfer.Result {
		return e.Pull(cmd.Context(), hosts, remotePath, localDir, progress)
	})
}

type transferOp func(e *transfer.Executor, hosts []string, progress transfer.ProgressFunc) []*transfer.Result

func runTransfer(cmd *cobra.Command, hostArgs []string, op transferOp) error {
	s, err := openSession(cmd.Context(), hostArgs, false)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := logging.Component("transfer")
	e := transfer.New(s.pool,
		func(host string) ssh.GetOptions { return s.options(host, false) },
		transfer.WithConcurrency(cfg.Defaults.Concurrency),
		transfer.WithTimeout(transferTimeout),
		transfer.WithLogger(logger),
	)

	var progress transfer.ProgressFunc
	if transferProgress {
		progress = transfer.LogProgress(logger, 25)
	}

	results := op(e, s.hostNames(), progress)
	fmt.Fprint(os.Stdout, newFormatter().FormatTransfers(results))

	failed := 0
	for _, r := range results {
		if r.Err != nil || r.Skipped {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers did not complete", failed, len(results))
	}
	return nil
}
