// Package cli implements the shellpool command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/shellpool/internal/config"
	"github.com/agent462/shellpool/internal/logging"
	"github.com/agent462/shellpool/internal/report"
)

var (
	// Version is set at build time.
	Version = "dev"

	cfgFile     string
	groupName   string
	concurrency int
	verbose     bool
	askPassword bool
	acceptNew   bool
	jsonOutput  bool
	errorsOnly  bool
	noColor     bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shellpool",
	Short: "Run commands across hosts over pooled SSH sessions",
	Long: `shellpool runs shell commands on many hosts at once. Sessions are
pooled per host and reused, failed attempts are retried, and every attempt
can be recorded to a history database.

Examples:
  shellpool run web-01 web-02 -- uptime
  shellpool run -g db -- systemctl is-active postgresql
  shellpool push -g web ./app.conf /etc/app/app.conf
  shellpool pull /var/log/syslog ./logs db-01
  shellpool forward bastion 5432:db.internal:5432
  shellpool history --host web-01

Environment:
  SHELLPOOL_CONFIG        Config file (default $XDG_CONFIG_HOME/shellpool/config.yaml)
  SHELLPOOL_LOG_LEVEL     trace, debug, info, warn, error, disabled
  SHELLPOOL_LOG_JSON      Emit JSON logs
  SHELLPOOL_LOG_NOCOLOR   Disable colored logs`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()
		if verbose {
			log.Logger = log.Logger.Level(zerolog.DebugLevel)
		}

		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("concurrency") {
			cfg.Defaults.Concurrency = concurrency
		}
		if cmd.Flags().Changed("accept-unknown-hosts") {
			cfg.Pool.AcceptUnknownHosts = acceptNew
		}
		if cmd.Flags().Changed("json") {
			cfg.Defaults.Output = "text"
			if jsonOutput {
				cfg.Defaults.Output = "json"
			}
		}
		return nil
	},
}

// Execute runs the root command. An interrupt cancels in-flight commands.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (YAML or TOML)")
	pf.StringVarP(&groupName, "group", "g", "", "Host group from the config file")
	pf.IntVarP(&concurrency, "concurrency", "c", 0, "Maximum hosts worked on at once")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")
	pf.BoolVar(&askPassword, "ask-password", false, "Prompt for an SSH password")
	pf.BoolVar(&acceptNew, "accept-unknown-hosts", false, "Accept hosts missing from known_hosts")
	pf.BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	pf.BoolVar(&errorsOnly, "errors-only", false, "Only show hosts that did not succeed")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.SetVersionTemplate("shellpool {{.Version}}\n")
}

func newFormatter() *report.Formatter {
	color := !noColor && term.IsTerminal(int(os.Stdout.Fd()))
	return report.NewFormatter(errorsOnly, color)
}
