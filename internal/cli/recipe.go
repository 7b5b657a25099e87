package cli

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent462/shellpool/internal/executor"
	"github.com/agent462/shellpool/internal/logging"
	"github.com/agent462/shellpool/internal/recipe"
)

var recipeCmd = &cobra.Command{
	Use:   "recipe [name] [host...]",
	Short: "Run a named sequence of commands",
	Long: `Runs the steps of a recipe in order. A step may start with selectors
that pick hosts from the previous step's outcome: @all, @ok, @differs,
@failed, @timeout, @skipped, @lost, or a glob such as @web-*.

Without a name, lists the built-in and configured recipes.

Examples:
  shellpool recipe
  shellpool recipe -g web sshd
  shellpool recipe reboot-required db-01 db-02`,
	RunE: runRecipe,
}

var recipeStopOnFailure bool

func init() {
	rootCmd.AddCommand(recipeCmd)
	recipeCmd.Flags().BoolVar(&recipeStopOnFailure, "stop-on-failure", false, "Stop after the first step with a failed host")
}

func runRecipe(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		listRecipes()
		return nil
	}

	name := args[0]
	r, ok := recipe.Lookup(name, cfg)
	if !ok {
		return fmt.Errorf("unknown recipe %q, run 'shellpool recipe' to list them", name)
	}
	steps, err := recipe.ParseSteps(r.Steps)
	if err != nil {
		return fmt.Errorf("recipe %s: %w", name, err)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, args[1:], true)
	if err != nil {
		return err
	}
	defer s.Close()

	e := executor.New(s.runnerFor,
		executor.WithConcurrency(cfg.Defaults.Concurrency),
		executor.WithTimeout(s.hostTimeout()),
		executor.WithCommandOptions(s.commandOptions()...),
		executor.WithLogger(logging.Component("executor")),
	)
	runner := recipe.New(e, s.hostNames(),
		recipe.WithStopOnFailure(r.StopOnFailure || recipeStopOnFailure),
		recipe.WithLogger(logging.Component("recipe")),
	)

	results, runErr := runner.Run(ctx, steps)

	f := newFormatter()
	for i, sr := range results {
		fmt.Fprintf(os.Stdout, "=== step %d/%d: %s\n", i+1, len(steps), sr.Step)
		if len(sr.Hosts) == 0 {
			fmt.Fprint(os.Stdout, "no hosts selected\n\n")
			continue
		}
		fmt.Fprintln(os.Stdout, f.Format(sr.Grouped))
	}
	if runErr != nil {
		return runErr
	}

	if last := results[len(results)-1]; len(last.Hosts) > 0 {
		if n := last.Failed(); n > 0 {
			return fmt.Errorf("%d of %d hosts did not succeed in the last step", n, len(last.Hosts))
		}
	}
	return nil
}

func listRecipes() {
	all := recipe.All(cfg)
	builtins := recipe.Builtins()

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		r := all[name]
		origin := "config"
		if b, ok := builtins[name]; ok && slices.Equal(b.Steps, r.Steps) {
			origin = "builtin"
		}
		fmt.Fprintf(os.Stdout, "%-18s %-8s %s\n", name, origin, r.Description)
		for _, step := range r.Steps {
			fmt.Fprintf(os.Stdout, "%-18s   %s\n", "", strings.TrimSpace(step))
		}
	}
}
