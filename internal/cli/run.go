package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gamp-dev/gamp/internal/results"
	"github.com/gamp-dev/gamp/internal/scenario"
)

// RunCmdOptions holds flags for the run command.
type RunCmdOptions struct {
	*RootOptions
	OptionsPath string // YAML file with run option overrides
	DBPath      string // results database, empty disables persistence
}

// RunOverrides are the spec fields a YAML options file may override.
// Pointer fields distinguish "absent" from an explicit zero.
type RunOverrides struct {
	Seed        *uint64  `yaml:"seed,omitempty"`
	MaxIter     *int     `yaml:"max_iter,omitempty"`
	Damping     *float64 `yaml:"damping,omitempty"`
	Tol         *float64 `yaml:"tol,omitempty"`
	MinVariance *float64 `yaml:"min_variance,omitempty"`
	Algos       []string `yaml:"algos,omitempty"`
}

// Apply overwrites the spec fields the overrides carry.
func (o *RunOverrides) Apply(spec *scenario.Spec) {
	if o.Seed != nil {
		spec.Seed = *o.Seed
	}
	if o.MaxIter != nil {
		spec.MaxIter = *o.MaxIter
	}
	if o.Damping != nil {
		spec.Damping = *o.Damping
	}
	if o.Tol != nil {
		spec.Tol = *o.Tol
	}
	if o.MinVariance != nil {
		spec.MinVariance = *o.MinVariance
	}
	if len(o.Algos) > 0 {
		spec.Algos = o.Algos
	}
}

// LoadOverrides reads a YAML run options file.
func LoadOverrides(path string) (*RunOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	var overrides RunOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}
	return &overrides, nil
}

// AlgoReport is the per-algorithm section of a run report.
type AlgoReport struct {
	State      string             `json:"state"`
	Iterations int                `json:"iterations"`
	Objective  float64            `json:"objective"`
	V          map[string]float64 `json:"v"`
}

// RunReport is the run command's success payload.
type RunReport struct {
	RunID   string             `json:"run_id"`
	Name    string             `json:"name"`
	Seed    uint64             `json:"seed"`
	EP      *AlgoReport        `json:"ep,omitempty"`
	SE      *AlgoReport        `json:"se,omitempty"`
	MSE     map[string]float64 `json:"mse,omitempty"`
	Overlap map[string]float64 `json:"overlap,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunCmdOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <spec.cue>",
		Short: "Run a teacher-student experiment",
		Long: `Compile a CUE experiment spec and run it end to end.

Samples ground truth and observations from the generative model, infers
the signals back on an identical student model, and reports per-variable
posterior variances and recovery scores. An optional YAML options file
overrides the spec's seed and iteration settings without editing it.

Exit codes:
  0 - Run completed
  1 - Spec invalid or inference failed
  2 - Command error (file not found, database error, etc.)

Examples:
  gamp run experiment.cue
  gamp run experiment.cue --options sweep.yaml
  gamp run experiment.cue --db results.db
  gamp run experiment.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.OptionsPath, "options", "", "YAML file overriding run options")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database to record the run in")

	return cmd
}

func runRun(opts *RunCmdOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	spec, err := compileSpecFile(formatter, path)
	if err != nil {
		return err
	}

	if opts.OptionsPath != "" {
		overrides, err := LoadOverrides(opts.OptionsPath)
		if err != nil {
			_ = formatter.Error(ErrCodeOptions, err.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot load run options", err)
		}
		overrides.Apply(spec)
		formatter.VerboseLog("Applied overrides from %s", opts.OptionsPath)
	}

	ts, err := scenario.New(*spec, scenario.WithLogger(runLogger(opts, cmd)))
	if err != nil {
		_ = formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitFailure, "spec validation failed", err)
	}

	res, err := ts.Run()
	if err != nil {
		_ = formatter.Error(ErrCodeRun, err.Error(), nil)
		return WrapExitError(ExitFailure, "run failed", err)
	}

	if opts.DBPath != "" {
		if err := persistResult(cmd, opts.DBPath, ts.Spec(), res); err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot record run", err)
		}
		formatter.VerboseLog("Recorded run %s in %s", res.RunID, opts.DBPath)
	}

	if formatter.Format == "json" {
		return formatter.Success(buildReport(res))
	}
	renderText(formatter.Writer, res)
	return nil
}

// runLogger builds the diagnostics logger for a run. Engine logs go to
// stderr and only in verbose mode.
func runLogger(opts *RunCmdOptions, cmd *cobra.Command) *slog.Logger {
	if opts.Verbose {
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// persistResult writes the run into the results database.
func persistResult(cmd *cobra.Command, path string, spec scenario.Spec, res *scenario.Result) error {
	store, err := results.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.WriteResult(cmd.Context(), spec, res)
}

// buildReport converts a result into the JSON payload.
func buildReport(res *scenario.Result) RunReport {
	report := RunReport{
		RunID:   res.RunID,
		Name:    res.Name,
		Seed:    res.Seed,
		MSE:     res.MSE,
		Overlap: res.Overlap,
	}
	if res.EP.State != "" {
		report.EP = &AlgoReport{
			State:      string(res.EP.State),
			Iterations: res.EP.NIter,
			Objective:  res.EP.Objective,
			V:          res.EP.V,
		}
	}
	if res.SE.State != "" {
		report.SE = &AlgoReport{
			State:      string(res.SE.State),
			Iterations: res.SE.NIter,
			Objective:  res.SE.Objective,
			V:          res.SE.V,
		}
	}
	return report
}

// renderText writes the human-readable run summary. Variables print in
// lexical order so the output is stable across runs.
func renderText(w io.Writer, res *scenario.Result) {
	fmt.Fprintf(w, "run %s (%s, seed %d)\n", res.RunID, res.Name, res.Seed)

	if res.EP.State != "" {
		fmt.Fprintf(w, "expectation propagation: %s after %d iteration(s), objective %.6f\n",
			res.EP.State, res.EP.NIter, res.EP.Objective)
		for _, id := range sortedIDs(res.EP.V) {
			fmt.Fprintf(w, "  %s: v=%.6f", id, res.EP.V[id])
			if mse, ok := res.MSE[id]; ok {
				fmt.Fprintf(w, " mse=%.6f", mse)
			}
			if overlap, ok := res.Overlap[id]; ok {
				fmt.Fprintf(w, " overlap=%.6f", overlap)
			}
			fmt.Fprintln(w)
		}
	}

	if res.SE.State != "" {
		fmt.Fprintf(w, "state evolution: %s after %d iteration(s), objective %.6f\n",
			res.SE.State, res.SE.NIter, res.SE.Objective)
		for _, id := range sortedIDs(res.SE.V) {
			fmt.Fprintf(w, "  %s: v=%.6f\n", id, res.SE.V[id])
		}
	}
}

func sortedIDs(m map[string]float64) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
