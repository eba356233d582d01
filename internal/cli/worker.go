package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/nameservice"
	"github.com/roach88/lockstep/internal/snapshot"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/worker"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	ProcessID   string
	Database    string
	Coordinator string
	Restart     string
	Mode        string
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker agent",
		Long: `Run a worker agent that registers with the coordinator and takes part in
every checkpoint and restart barrier. Thread logs are flushed to the worker
database; manifests are written to the checkpoint directory.

With --restart the worker is restored from the named checkpoint: its logs
resume at the checkpointed positions and its connections are re-established
through the name service. LOCKSTEP_LOG_REPLAY=1 or --mode replay restores in
replay mode.

Example:
  lockstep worker --id w1 --db ./w1.db
  lockstep worker --id w1 --db ./w1.db --restart <checkpoint-id> --mode replay`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ProcessID, "id", "", "process ID (default from config, else random)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the worker log database (default from config)")
	cmd.Flags().StringVar(&opts.Coordinator, "coordinator", "", "coordinator websocket URL (default from config)")
	cmd.Flags().StringVar(&opts.Restart, "restart", "", "restore from this checkpoint ID")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "restart mode (record|replay)")

	return cmd
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	pid := ir.ProcessID(firstNonEmpty(opts.ProcessID, cfg.Worker.ProcessID))
	mode, err := ir.ParseMode(firstNonEmpty(opts.Mode, cfg.Worker.Mode))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid mode", err)
	}
	logger := slog.Default()

	st, err := store.Open(firstNonEmpty(opts.Database, cfg.Worker.DB))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	names, closeNames, err := openNameService(cfg.NameService)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open name service", err)
	}
	defer closeNames()

	snapshots := snapshot.NewDir(cfg.Coordinator.CheckpointDir)
	wopts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithStore(st),
		worker.WithSnapshotter(snapshots),
		worker.WithNameService(names),
		worker.WithDrainPolicy(cfg.Drain.Policy()),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.WithRestoreRange(cfg.Worker.RestoreHost, cfg.Worker.RestorePortStart, cfg.Worker.RestorePortEnd),
	}
	if opts.Restart != "" {
		if pid == "" {
			return NewExitError(ExitCommandError, "--restart needs a process ID (--id)")
		}
		m, err := snapshots.Load(opts.Restart, pid)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load checkpoint manifest", err)
		}
		wopts = append(wopts, worker.WithRestart(m, mode))
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	w, err := worker.New(ctx, pid, wopts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start worker", err)
	}
	defer w.Close()

	url := firstNonEmpty(opts.Coordinator, cfg.Coordinator.URL)
	logger.Info("worker starting", "process", w.ProcessID(), "coordinator", url, "mode", w.Mode().String())
	if err := w.Connect(ctx, url); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	logger.Info("worker stopped gracefully")
	return nil
}

func openNameService(cfg config.NameServiceConfig) (nameservice.NameService, func(), error) {
	if cfg.Backend != "redis" {
		return nameservice.NewMemory(), func() {}, nil
	}
	r, err := nameservice.NewRedis(cfg.RedisAddr,
		nameservice.WithPrefix(cfg.Prefix),
		nameservice.WithTTL(cfg.TTL))
	if err != nil {
		return nil, nil, err
	}
	return r, func() { r.Close() }, nil
}
