package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/driftwood-io/driftwood/pkg/protocol"
)

func newVersionCommand(flags *globalFlags, version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":  version,
				"commit":   commit,
				"built":    buildDate,
				"protocol": protocol.Version,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "driftwood %s (commit: %s, built: %s)\nprotocol %s, %s %s\n",
				version, commit, buildDate, protocol.Version, info["go"], info["platform"])
			return nil
		},
	}
}
