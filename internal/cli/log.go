package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/replay"
	"github.com/roach88/lockstep/internal/store"
)

// LogOptions holds flags for the log subcommands.
type LogOptions struct {
	*RootOptions
	Database string
	Process  string
	File     string
	Output   string
}

// DumpEntry is one log entry as printed by log dump.
type DumpEntry struct {
	ProcessID ir.ProcessID `json:"process_id"`
	ThreadID  ir.ThreadID  `json:"thread_id"`
	Seq       int64        `json:"seq"`
	Kind      ir.EventKind `json:"kind"`
	Value     int64        `json:"value"`
	Errno     int32        `json:"errno,omitempty"`
	DataLen   int          `json:"data_len,omitempty"`
}

// VerifyResult is the payload of log verify.
type VerifyResult struct {
	Processes int                `json:"processes"`
	Entries   int                `json:"entries"`
	Problems  []eventlog.Problem `json:"problems"`
	Corrupt   map[string]string  `json:"corrupt,omitempty"`
}

// NewLogCommand creates the log command and its subcommands.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect, verify and export thread logs",
	}
	cmd.AddCommand(newLogDumpCommand(rootOpts))
	cmd.AddCommand(newLogVerifyCommand(rootOpts))
	cmd.AddCommand(newLogExportCommand(rootOpts))
	return cmd
}

func newLogDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the entries of a worker log database",
		Long: `Print every durable log entry of a worker database in thread and seq order,
with the recorded outcome decoded.

Example:
  lockstep log dump --db ./w1.db
  lockstep log dump --db ./w1.db --process w1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogDump(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the worker log database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Process, "process", "", "only this process")
	return cmd
}

func newLogVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check log integrity",
		Long: `Check that every thread's entries are gapless and strictly increasing from
seq 0, that every kind is known and that every checksum matches. Reads a
worker database (--db) or an exported log file (--file).

Exit codes:
  0 - Log is intact
  1 - Integrity problems found
  2 - Command error

Example:
  lockstep log verify --db ./w1.db
  lockstep log verify --file ./w1.lslog`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogVerify(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the worker log database")
	cmd.Flags().StringVar(&opts.File, "file", "", "path to an exported log file")
	cmd.Flags().StringVar(&opts.Process, "process", "", "only this process (with --db)")
	cmd.MarkFlagsOneRequired("db", "file")
	cmd.MarkFlagsMutuallyExclusive("db", "file")
	return cmd
}

func newLogExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write one process's log in the persisted binary layout",
		Long: `Write every entry of one process as sequential self-describing records
(thread, seq, kind, payload length, payload, checksum) after a versioned
header.

Example:
  lockstep log export --db ./w1.db --process w1 --out ./w1.lslog`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogExport(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the worker log database (required)")
	cmd.Flags().StringVar(&opts.Process, "process", "", "process to export (required)")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "output file (required)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("process")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// openLogStore opens an existing worker database read-only, so a live
// worker's log can be inspected.
func openLogStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path, store.ReadOnly())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func selectProcesses(ctx context.Context, st *store.Store, only string) ([]ir.ProcessID, error) {
	if only != "" {
		return []ir.ProcessID{ir.ProcessID(only)}, nil
	}
	procs, err := st.Processes(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to list processes", err)
	}
	return procs, nil
}

func runLogDump(opts *LogOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := openLogStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	procs, err := selectProcesses(ctx, st, opts.Process)
	if err != nil {
		return err
	}
	dump := []DumpEntry{}
	for _, p := range procs {
		entries, err := st.ReadAll(ctx, p)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to read log of %s", p), err)
		}
		for _, e := range entries {
			d := DumpEntry{ProcessID: p, ThreadID: e.ThreadID, Seq: e.Seq, Kind: e.Kind}
			if out, err := replay.DecodeOutcome(e.Payload); err == nil {
				d.Value, d.Errno, d.DataLen = out.Value, out.Errno, len(out.Data)
			}
			dump = append(dump, d)
		}
	}

	f := newFormatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		return f.Success(dump)
	}
	if len(dump) == 0 {
		fmt.Fprintln(f.Writer, "No log entries found in database.")
		return nil
	}
	for _, d := range dump {
		fmt.Fprintf(f.Writer, "%s thread=%d seq=%d %s value=%d", d.ProcessID, d.ThreadID, d.Seq, d.Kind, d.Value)
		if d.Errno != 0 {
			fmt.Fprintf(f.Writer, " errno=%d", d.Errno)
		}
		if d.DataLen > 0 {
			fmt.Fprintf(f.Writer, " data=%dB", d.DataLen)
		}
		fmt.Fprintln(f.Writer)
	}
	return nil
}

func runLogVerify(opts *LogOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	res := VerifyResult{Problems: []eventlog.Problem{}}

	if opts.File != "" {
		fh, err := os.Open(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		defer fh.Close()
		res.Processes = 1
		entries, err := eventlog.DecodeAll(fh)
		if err != nil {
			res.Corrupt = map[string]string{opts.File: err.Error()}
		}
		res.Entries = len(entries)
		res.Problems = append(res.Problems, eventlog.Verify(entries, nil)...)
	} else {
		st, err := openLogStore(opts.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		procs, err := selectProcesses(ctx, st, opts.Process)
		if err != nil {
			return err
		}
		res.Processes = len(procs)
		for _, p := range procs {
			entries, err := st.ReadAll(ctx, p)
			if err != nil {
				if res.Corrupt == nil {
					res.Corrupt = make(map[string]string)
				}
				res.Corrupt[string(p)] = err.Error()
				continue
			}
			res.Entries += len(entries)
			res.Problems = append(res.Problems, eventlog.Verify(entries, nil)...)
		}
	}

	f := newFormatter(opts.RootOptions, cmd)
	intact := len(res.Problems) == 0 && len(res.Corrupt) == 0
	if f.Format == "json" {
		if err := f.Success(res); err != nil {
			return err
		}
	} else {
		for name, msg := range res.Corrupt {
			fmt.Fprintf(f.Writer, "CORRUPT %s: %s\n", name, msg)
		}
		for _, p := range res.Problems {
			fmt.Fprintf(f.Writer, "PROBLEM %s\n", p)
		}
		if intact {
			fmt.Fprintf(f.Writer, "OK: %d entries in %d processes\n", res.Entries, res.Processes)
		}
	}
	if !intact {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d problems, %d corrupt logs",
			CodeLogIntegrity, len(res.Problems), len(res.Corrupt)))
	}
	return nil
}

func runLogExport(opts *LogOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := openLogStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ReadAll(ctx, ir.ProcessID(opts.Process))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read log", err)
	}

	fh, err := os.Create(opts.Output)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create output file", err)
	}
	enc := eventlog.NewEncoder(fh)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			fh.Close()
			return WrapExitError(ExitFailure, "failed to encode log", err)
		}
	}
	if err := enc.Flush(); err != nil {
		fh.Close()
		return WrapExitError(ExitCommandError, "failed to write log", err)
	}
	if err := fh.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to write log", err)
	}

	f := newFormatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		return f.Success(map[string]any{"process_id": opts.Process, "entries": len(entries), "path": opts.Output})
	}
	return f.Success(fmt.Sprintf("Exported %d entries of %s to %s", len(entries), opts.Process, opts.Output))
}
