package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent462/shellpool/internal/history"
	"github.com/agent462/shellpool/internal/logging"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently recorded command attempts",
	Long: `Lists attempts recorded by run, newest first. Every retry is its own
row, so a command that timed out once and then passed shows two entries.

Examples:
  shellpool history
  shellpool history --host web-01 -n 50`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyHost  string
	historyLimit int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyHost, "host", "", "Only show attempts on this host")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of attempts to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfg.History.Driver == "" {
		return fmt.Errorf("history is disabled: set history.driver in the config file")
	}
	ctx := cmd.Context()
	store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN, history.WithLogger(logging.Component("history")))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, historyHost, historyLimit)
	if err != nil {
		return err
	}

	if cfg.Defaults.Output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	fmt.Fprint(os.Stdout, newFormatter().FormatHistory(entries))
	return nil
}
