package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/harness"
)

// ScenarioOptions holds flags for the scenario subcommands.
type ScenarioOptions struct {
	*RootOptions
	Filter string // glob over scenario names
	Golden string // directory of <name>.golden traces
	Update bool   // rewrite golden traces instead of comparing
}

// ScenarioResult holds the outcome of one scenario.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Events int      `json:"events"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioRunResult holds the outcome of a scenario run.
type ScenarioRunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run and validate cluster scenarios",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	cmd.AddCommand(newScenarioValidateCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run <file-or-dir>...",
		Short: "Run scenarios against an in-process cluster",
		Long: `Run each scenario against a fresh in-process coordinator and workers,
then check its assertions. With --golden the deterministic trace is also
compared against <dir>/<name>.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error

Examples:
  lockstep scenario run ./scenarios
  lockstep scenario run ./scenarios --filter "restart_*"
  lockstep scenario run ./scenarios --golden ./golden --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden traces")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden traces")
	return cmd
}

func newScenarioValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "validate <file-or-dir>...",
		Short:         "Check scenario files without running them",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioValidate(opts, args, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	return cmd
}

// findScenarioFiles expands directories to the YAML files below them.
func findScenarioFiles(paths []string, filter string) ([]string, error) {
	var files []string
	keep := func(path string) (bool, error) {
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return false, nil
		}
		if filter == "" {
			return true, nil
		}
		name := strings.TrimSuffix(filepath.Base(path), ext)
		matched, err := filepath.Match(filter, name)
		if err != nil {
			return false, fmt.Errorf("invalid filter pattern: %w", err)
		}
		return matched, nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			ok, err := keep(path)
			if ok {
				files = append(files, path)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func runScenarios(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	res := ScenarioRunResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	f := newFormatter(opts.RootOptions, cmd)
	for _, file := range files {
		f.VerboseLog("running %s", file)
		sr := runScenarioFile(ctx, opts, file)
		res.Scenarios = append(res.Scenarios, sr)
		if sr.Pass {
			res.Passed++
		} else {
			res.Failed++
		}
	}

	if f.Format == "json" {
		if err := f.Success(res); err != nil {
			return err
		}
	} else {
		outputScenarioText(f, res)
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d of %d scenarios failed",
			CodeScenarioFailed, res.Failed, res.Total))
	}
	return nil
}

func runScenarioFile(ctx context.Context, opts *ScenarioOptions, file string) ScenarioResult {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	s, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf("load: %v", err)}}
	}

	result, err := harness.Run(ctx, s, harness.Options{})
	if err != nil {
		return ScenarioResult{Name: s.Name, Errors: []string{fmt.Sprintf("run: %v", err)}}
	}
	sr := ScenarioResult{Name: s.Name, Pass: result.Pass, Events: len(result.Trace), Errors: result.Errors}

	if opts.Golden == "" {
		return sr
	}
	got, err := harness.MarshalTrace(s.Name, result.Trace)
	if err != nil {
		sr.Pass = false
		sr.Errors = append(sr.Errors, fmt.Sprintf("marshal trace: %v", err))
		return sr
	}
	path := filepath.Join(opts.Golden, s.Name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err == nil {
			err = os.WriteFile(path, got, 0o644)
		}
		if err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, fmt.Sprintf("update golden: %v", err))
		}
		return sr
	}
	want, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No golden trace: assertions alone decide.
	case err != nil:
		sr.Pass = false
		sr.Errors = append(sr.Errors, fmt.Sprintf("read golden: %v", err))
	case !bytes.Equal(want, got):
		sr.Pass = false
		sr.Errors = append(sr.Errors, fmt.Sprintf("trace differs from %s", path))
	}
	return sr
}

func outputScenarioText(f *OutputFormatter, res ScenarioRunResult) {
	if res.Total == 0 {
		fmt.Fprintln(f.Writer, "No scenarios found.")
		return
	}
	for _, sr := range res.Scenarios {
		if sr.Pass {
			fmt.Fprintf(f.Writer, "PASS %s (%d events)\n", sr.Name, sr.Events)
			continue
		}
		fmt.Fprintf(f.Writer, "FAIL %s\n", sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(f.Writer, "  %s\n", e)
		}
	}
	fmt.Fprintf(f.Writer, "\n%d passed, %d failed, %d total\n", res.Passed, res.Failed, res.Total)
}

func runScenarioValidate(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	invalid := map[string]string{}
	for _, file := range files {
		if _, err := harness.LoadScenario(file); err != nil {
			invalid[file] = err.Error()
		}
	}

	f := newFormatter(opts.RootOptions, cmd)
	if len(invalid) > 0 {
		msg := fmt.Sprintf("%d of %d scenarios invalid", len(invalid), len(files))
		return f.Fail(NewExitError(ExitFailure, msg), CodeScenarioFailed, invalid)
	}
	if f.Format == "json" {
		return f.Success(map[string]any{"valid": len(files)})
	}
	return f.Success(fmt.Sprintf("%d scenarios valid", len(files)))
}
