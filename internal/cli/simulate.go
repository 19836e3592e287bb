package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/protocore/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	DBDir     string // keep device databases here
	GoldenDir string // compare snapshots with <dir>/<name>.golden
	Update    bool   // rewrite golden files instead of comparing
}

// ScenarioReport is the outcome of one simulated scenario.
type ScenarioReport struct {
	Name    string                           `json:"name"`
	Pass    bool                             `json:"pass"`
	Digest  string                           `json:"digest"`
	Trace   []harness.TraceEvent             `json:"trace"`
	Devices map[string]harness.DeviceSummary `json:"devices"`
	Errors  []string                         `json:"errors,omitempty"`
}

// SimulateResult is the outcome of a simulate run.
type SimulateResult struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// RenderText prints each trace followed by a summary line.
func (r SimulateResult) RenderText(w io.Writer) {
	for _, s := range r.Scenarios {
		status := "PASS"
		if !s.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s (%s)\n", status, s.Name, shortDigest(s.Digest))
		for i, ev := range s.Trace {
			step := ev.Step
			if step == "" {
				step = "-"
			}
			fmt.Fprintf(w, "  %3d %-14s %-34s %-10s %-50s %s -> %s [%s]\n",
				i+1, ev.Device, ev.Message, ev.Channel, step, ev.From, ev.To, ev.Result)
		}
		devices := make([]string, 0, len(s.Devices))
		for name := range s.Devices {
			devices = append(devices, name)
		}
		sort.Strings(devices)
		for _, name := range devices {
			d := s.Devices[name]
			fmt.Fprintf(w, "  %s: %s, trusts %v\n", name, orDash(d.State), d.Contacts)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>...",
		Short: "Run trust-establishment scenarios between simulated devices",
		Long: `Run scenarios between simulated devices and print their traces.

Every device runs its own engine over its own database. Messages travel
through an in-memory network in FIFO order and scripted human responses
answer the dialogs.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (unreadable or invalid scenario, etc.)

Examples:
  protocore simulate testdata/scenarios/happy_path.yaml
  protocore simulate scenarios/*.yaml --golden-dir golden
  protocore simulate scenarios/*.yaml --golden-dir golden --update
  protocore simulate scenario.yaml --db-dir /tmp/devices --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.DBDir, "db-dir", "", "keep device databases in this directory")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "compare traces with golden files in this directory")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files")

	return cmd
}

func runSimulate(cmd *cobra.Command, opts *SimulateOptions, paths []string) error {
	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden-dir")
	}
	out := opts.formatter(cmd)

	var scenarios []*harness.Scenario
	for _, path := range paths {
		s, err := harness.LoadScenario(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "load "+path, err)
		}
		scenarios = append(scenarios, s)
	}

	result := SimulateResult{Scenarios: []ScenarioReport{}}
	for _, s := range scenarios {
		hopts := []harness.Option{harness.WithLogger(opts.Logger.With("scenario", s.Name))}
		if opts.DBDir != "" {
			dir := filepath.Join(opts.DBDir, s.Name)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return WrapExitError(ExitCommandError, "create database directory", err)
			}
			hopts = append(hopts, harness.WithDir(dir))
		}

		out.VerboseLog("running %s", s.Name)
		res, err := harness.New(hopts...).Run(cmd.Context(), s)
		if err != nil {
			return WrapExitError(ExitCommandError, "run "+s.Name, err)
		}
		if opts.GoldenDir != "" {
			if err := checkGolden(opts, s.Name, res); err != nil {
				res.AddError(err.Error())
			}
		}

		result.Scenarios = append(result.Scenarios, ScenarioReport{
			Name:    s.Name,
			Pass:    res.Pass,
			Digest:  res.Digest,
			Trace:   res.Trace,
			Devices: res.Devices,
			Errors:  res.Errors,
		})
		result.Total++
		if res.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if err := out.Success(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

// checkGolden compares or rewrites the golden file of one scenario.
func checkGolden(opts *SimulateOptions, name string, res *harness.Result) error {
	snapshot, err := harness.Snapshot(name, res)
	if err != nil {
		return err
	}
	path := filepath.Join(opts.GoldenDir, name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, snapshot, 0o644)
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("golden file %s does not exist", path)
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(want, snapshot) {
		return fmt.Errorf("trace differs from %s", path)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
