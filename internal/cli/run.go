package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent462/shellpool/internal/command"
	"github.com/agent462/shellpool/internal/executor"
	"github.com/agent462/shellpool/internal/grouper"
	"github.com/agent462/shellpool/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run [host...] -- <command>",
	Short: "Run a command on every host",
	Long: `Runs a shell command on each host in parallel and groups hosts whose
output is identical.

Attempts that time out (rc 124) or are killed (rc 137) are retried with a
short jittered pause, up to the retry limit. Sessions whose transport drops
mid-command report rc 255 and are retried on a fresh session.

Examples:
  shellpool run web-01 web-02 -- uptime
  shellpool run -g web --check-pass -- systemctl reload nginx
  shellpool run -g k8s --kubectl api-7f9c -n prod -- cat /etc/resolv.conf
  shellpool run --local -- df -h`,
	RunE: runRun,
}

var (
	runLocal      bool
	runDocker     string
	runKubectl    string
	runNamespace  string
	runContainer  string
	runNoRetries  bool
	runRetryLimit int
	runTimeout    time.Duration
	runCheckPass  bool
	runNewConn    bool
	runQuiet      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.BoolVar(&runLocal, "local", false, "Run on this machine instead of over SSH")
	f.StringVar(&runDocker, "docker", "", "Run inside this docker container on each host")
	f.StringVar(&runKubectl, "kubectl", "", "Run inside this pod through kubectl on each host")
	f.StringVarP(&runNamespace, "namespace", "n", "", "Kubernetes namespace for --kubectl")
	f.StringVar(&runContainer, "container", "", "Container within the pod for --kubectl")
	f.BoolVar(&runNoRetries, "no-retries", false, "Do not retry recoverable failures")
	f.IntVar(&runRetryLimit, "retry-limit", 0, "Maximum attempts for recoverable failures")
	f.DurationVar(&runTimeout, "timeout", 0, "Timeout for each attempt (e.g. 30s)")
	f.BoolVar(&runCheckPass, "check-pass", false, "Treat a non-zero rc as an error")
	f.BoolVar(&runNewConn, "new-connection", false, "Use a fresh session instead of a pooled one")
	f.BoolVarP(&runQuiet, "quiet", "q", false, "Do not log each command as it runs")
}

func runRun(cmd *cobra.Command, args []string) error {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 || dash == len(args) {
		return fmt.Errorf("missing command: put it after --, e.g. shellpool run web-01 -- uptime")
	}
	hostArgs, cmdLine := args[:dash], strings.Join(args[dash:], " ")
	if runDocker != "" && runKubectl != "" {
		return fmt.Errorf("--docker and --kubectl are mutually exclusive")
	}
	if runLocal && len(hostArgs) == 0 && groupName == "" {
		hostArgs = []string{"localhost"}
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, hostArgs, true)
	if err != nil {
		return err
	}
	defer s.Close()

	cmdOpts := s.commandOptions()
	if cmd.Flags().Changed("no-retries") {
		cmdOpts = append(cmdOpts, command.WithRetries(!runNoRetries))
	}
	if cmd.Flags().Changed("retry-limit") {
		cmdOpts = append(cmdOpts, command.WithRetryLimit(runRetryLimit))
	}
	if runTimeout > 0 {
		cmdOpts = append(cmdOpts, command.WithTimeout(runTimeout))
	}
	if runCheckPass {
		cmdOpts = append(cmdOpts, command.WithCheckPass(true))
	}
	if runQuiet {
		cmdOpts = append(cmdOpts, command.WithLogCmd(false))
	}

	e := executor.New(s.runnerFor,
		executor.WithConcurrency(cfg.Defaults.Concurrency),
		executor.WithTimeout(s.hostTimeout()),
		executor.WithCommandOptions(cmdOpts...),
		executor.WithLogger(logging.Component("executor")),
	)
	results := e.Execute(ctx, s.hostNames(), cmdLine)

	f := newFormatter()
	if cfg.Defaults.Output == "json" {
		data, err := f.FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
	} else {
		fmt.Fprint(os.Stdout, f.Format(grouper.Group(results)))
	}

	sum := executor.Summarize(results)
	if bad := sum.Failed + sum.Errored + sum.Skipped; bad > 0 {
		return fmt.Errorf("%d of %d hosts did not succeed", bad, len(results))
	}
	return nil
}

// runnerFor picks how a host is reached for this invocation.
func (s *session) runnerFor(host string) command.Runner {
	var r command.Runner
	if runLocal {
		r = &command.LocalRunner{}
	} else {
		r = &command.RemoteRunner{
			Pool:     s.pool,
			Host:     host,
			Options:  s.options(host, runNewConn),
			KeepOpen: !runNewConn,
		}
	}

	switch {
	case runDocker != "":
		r = &command.ContainerRunner{Inner: r, Engine: command.EngineDocker, Target: runDocker}
	case runKubectl != "":
		r = &command.ContainerRunner{
			Inner:     r,
			Engine:    command.EngineKubectl,
			Namespace: runNamespace,
			Container: runContainer,
			Target:    runKubectl,
		}
	}
	return r
}
