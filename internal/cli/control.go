package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/ir"
)

// ControlOptions holds flags shared by the commands that drive a running
// coordinator.
type ControlOptions struct {
	*RootOptions
	Coordinator string
	Timeout     time.Duration
}

func addControlFlags(cmd *cobra.Command, opts *ControlOptions) {
	cmd.Flags().StringVar(&opts.Coordinator, "coordinator", "", "coordinator URL (default from config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "how long to wait for the barrier")
}

func (o *ControlOptions) client() (*coordinator.Client, error) {
	cfg, err := loadConfig(o.RootOptions)
	if err != nil {
		return nil, err
	}
	c, err := coordinator.NewClient(firstNonEmpty(o.Coordinator, cfg.Coordinator.URL), nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid coordinator URL", err)
	}
	return c, nil
}

// NewCheckpointCommand creates the checkpoint command.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ControlOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint every registered worker",
		Long: `Ask the coordinator to checkpoint every registered worker and wait for the
barrier to commit or abort.

Exit codes:
  0 - Checkpoint committed
  1 - Checkpoint aborted (no participant keeps any effect of the attempt)
  2 - Command error (coordinator unreachable, busy, no participants)

Example:
  lockstep checkpoint
  lockstep checkpoint --coordinator http://10.0.0.5:7779 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			ctx, cancelTimeout := contextWithTimeout(ctx, opts.Timeout)
			defer cancelTimeout()

			res, err := c.Checkpoint(ctx)
			if err != nil {
				return reportBarrierError(newFormatter(opts.RootOptions, cmd), "checkpoint", err)
			}
			return outputResult(newFormatter(opts.RootOptions, cmd), res)
		},
	}
	addControlFlags(cmd, opts)
	return cmd
}

// RestartOptions holds flags for the restart command.
type RestartOptions struct {
	ControlOptions
	Checkpoint   string
	Mode         string
	Participants []string
}

// NewRestartCommand creates the restart command.
func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestartOptions{ControlOptions: ControlOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Drive a restart barrier for restored workers",
		Long: `Start a restart barrier. Restored workers (lockstep worker --restart) join it
as they register; the barrier completes once every participant of the
checkpoint has re-established its connections and resumed.

Without --checkpoint the latest committed checkpoint is used.

Example:
  lockstep restart
  lockstep restart --checkpoint 3f9a... --mode replay`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := ir.ParseMode(opts.Mode)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid mode", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			ctx, cancelTimeout := contextWithTimeout(ctx, opts.Timeout)
			defer cancelTimeout()

			ro := coordinator.RestartOptions{CheckpointID: opts.Checkpoint, Mode: mode}
			for _, p := range opts.Participants {
				ro.Participants = append(ro.Participants, ir.ProcessID(p))
			}
			res, err := c.Restart(ctx, ro)
			if err != nil {
				return reportBarrierError(newFormatter(opts.RootOptions, cmd), "restart", err)
			}
			return outputResult(newFormatter(opts.RootOptions, cmd), res)
		},
	}
	addControlFlags(cmd, &opts.ControlOptions)
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint", "", "checkpoint ID (default latest committed)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "record", "restart mode (record|replay)")
	cmd.Flags().StringSliceVar(&opts.Participants, "participants", nil, "override the checkpoint's participant set")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ControlOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show barrier phase, participants and recent history",
		Long: `Show the coordinator's current barrier phase and epoch, its registered
participants, recent barrier transitions and the checkpoint catalog.

Example:
  lockstep status
  lockstep status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			st, err := c.Status(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to query coordinator", err)
			}
			f := newFormatter(opts.RootOptions, cmd)
			if f.Format == "json" {
				return f.Success(st)
			}
			outputStatusText(f, st)
			return nil
		},
	}
	addControlFlags(cmd, opts)
	return cmd
}

// reportBarrierError prints a failed trigger and maps it to an exit code:
// an abort is a failure, anything else a command error.
func reportBarrierError(f *OutputFormatter, what string, err error) error {
	var re *coordinator.RemoteError
	if errors.As(err, &re) && re.Aborted {
		return f.Fail(WrapExitError(ExitFailure, what+" aborted", err), CodeAborted, nil)
	}
	return f.Fail(WrapExitError(ExitCommandError, what+" failed", err), CodeRemote, nil)
}

func outputResult(f *OutputFormatter, res coordinator.Result) error {
	if f.Format == "json" {
		return f.Success(res)
	}
	names := make([]string, len(res.Participants))
	for i, p := range res.Participants {
		names[i] = string(p)
	}
	return f.Success(fmt.Sprintf("%s epoch %d completed: %s (%s)",
		res.Kind, res.Epoch, ir.ShortID(res.CheckpointID), strings.Join(names, ", ")))
}

func outputStatusText(f *OutputFormatter, st coordinator.Status) {
	w := f.Writer
	fmt.Fprintf(w, "Session:  %s\n", st.Session)
	fmt.Fprintf(w, "Phase:    %s", st.Phase)
	if st.Phase != ir.PhaseIdle {
		fmt.Fprintf(w, " (%s epoch %d)", st.Kind, st.Epoch)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\nParticipants (%d):\n", len(st.Participants))
	for _, p := range st.Participants {
		fmt.Fprintf(w, "  %-20s %-14s %d connections, %d threads\n",
			p.ProcessID, p.Phase, len(p.Connections), len(p.Threads))
	}

	if len(st.History) > 0 {
		fmt.Fprintln(w, "\nRecent transitions:")
		for _, ev := range st.History {
			fmt.Fprintf(w, "  [%d] epoch %d %s -> %s", ev.Seq, ev.Epoch, ev.From, ev.To)
			if ev.ProcessID != "" {
				fmt.Fprintf(w, " by %s", ev.ProcessID)
			}
			if ev.Detail != "" {
				fmt.Fprintf(w, ": %s", ev.Detail)
			}
			fmt.Fprintln(w)
		}
	}

	if len(st.Checkpoints) > 0 {
		fmt.Fprintln(w, "\nCheckpoints:")
		for _, rec := range st.Checkpoints {
			fmt.Fprintf(w, "  %s  epoch %-4d %-9s", ir.ShortID(rec.ID), rec.Epoch, rec.Status)
			if rec.Reason != "" {
				fmt.Fprintf(w, " %s", rec.Reason)
			}
			fmt.Fprintln(w)
		}
	}
}
