package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/telemetry"
)

// CoordinatorOptions holds flags for the coordinator command.
type CoordinatorOptions struct {
	*RootOptions
	Listen   string
	Database string
	Trace    bool

	// Ready, if set, receives the bound address (for tests).
	Ready func(net.Addr)
}

// NewCoordinatorCommand creates the coordinator command.
func NewCoordinatorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CoordinatorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the checkpoint coordinator",
		Long: `Run the coordinator: workers register over the websocket endpoint /ws and
checkpoints and restarts are triggered over HTTP.

The checkpoint catalog and barrier history are kept in a SQLite database.
Barrier numbering continues after the last catalogued epoch.

Example:
  lockstep coordinator --listen 127.0.0.1:7779 --db ./coordinator.db
  LOCKSTEP_COORDINATOR=0.0.0.0:7779 lockstep coordinator --trace`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite catalog (default from config)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "log a span for every barrier")

	return cmd
}

func runCoordinator(opts *CoordinatorOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	listen := firstNonEmpty(opts.Listen, cfg.Coordinator.Listen)
	dbPath := firstNonEmpty(opts.Database, cfg.Coordinator.DB)
	logger := slog.Default()

	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var lastEpoch uint64
	recent, err := st.ListCheckpoints(ctx, 1)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read checkpoint catalog", err)
	}
	if len(recent) > 0 {
		lastEpoch = uint64(recent[0].Epoch)
	}

	tel := telemetry.Noop()
	if opts.Trace {
		var shutdown func(context.Context) error
		tel, shutdown = telemetry.NewLogging(logger)
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	c := coordinator.New(
		coordinator.WithStore(st),
		coordinator.WithLogger(logger),
		coordinator.WithTelemetry(tel),
		coordinator.WithHeartbeatTimeout(cfg.Coordinator.HeartbeatTimeout),
		coordinator.WithPhaseTimeout(cfg.Coordinator.PhaseTimeout),
		coordinator.WithEpoch(lastEpoch),
	)

	if err := os.MkdirAll(cfg.Coordinator.CheckpointDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create checkpoint directory", err)
	}
	logger.Info("coordinator starting",
		"session", c.Session(),
		"db", dbPath,
		"checkpoint_dir", cfg.Coordinator.CheckpointDir,
		"epoch", lastEpoch)

	ready := func(addr net.Addr) {
		fmt.Fprintf(cmd.OutOrStdout(), "Coordinator listening on %s\n", addr)
		if opts.Ready != nil {
			opts.Ready(addr)
		}
	}
	if err := c.Serve(ctx, listen, ready); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "coordinator error", err)
	}
	logger.Info("coordinator stopped gracefully")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
