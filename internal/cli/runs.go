package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gamp-dev/gamp/internal/results"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	DBPath string
	Name   string
}

// RunListEntry is one row of the runs listing.
type RunListEntry struct {
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Seed      uint64 `json:"seed"`
	CreatedAt string `json:"created_at"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long: `List runs recorded in a results database, newest first.

Examples:
  gamp runs --db results.db
  gamp runs --db results.db --name gaussian-chain
  gamp runs --db results.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite results database (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "only list runs of this experiment")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	store, err := results.Open(opts.DBPath)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot open results database", err)
	}
	defer store.Close()

	summaries, err := store.ListRuns(cmd.Context(), opts.Name)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot list runs", err)
	}

	entries := make([]RunListEntry, 0, len(summaries))
	for _, sum := range summaries {
		entries = append(entries, RunListEntry{
			RunID:     sum.RunID,
			Name:      sum.Name,
			Seed:      sum.Seed,
			CreatedAt: sum.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "no runs recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(formatter.Writer, "%s  %s  seed=%d  %s\n", e.RunID, e.Name, e.Seed, e.CreatedAt)
	}
	return nil
}
