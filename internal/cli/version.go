package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/ir"
)

// VersionInfo is the version command's payload.
type VersionInfo struct {
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
	LogFormat       int    `json:"log_format"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:         ir.Version,
				ProtocolVersion: ir.ProtocolVersion,
				LogFormat:       ir.LogFormatVersion,
			}
			f := newFormatter(rootOpts, cmd)
			if f.Format == "json" {
				return f.Success(info)
			}
			return f.Success(fmt.Sprintf("lockstep %s (protocol %d, log format %d)",
				info.Version, info.ProtocolVersion, info.LogFormat))
		},
	}
}
