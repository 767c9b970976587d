// Package commands implements the driftwood command line.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftwood-io/driftwood/pkg/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "driftwood",
		Short: "Driftwood - dependency-aware workload agent",
		Long: `Driftwood runs the workloads assigned to this host and keeps them
converged on their desired state.

Workloads start and stop in dependency order, failed runtime calls are
retried with backoff, and every state change is journaled and reported to
the coordinator.

Desired state comes from a coordinator or from a local manifest written
in YAML, CUE or Starlark.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "agent config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(flags, version))
	rootCmd.AddCommand(newValidateCommand(flags))
	rootCmd.AddCommand(newGraphCommand(flags))
	rootCmd.AddCommand(newStateCommand(flags))
	rootCmd.AddCommand(newVersionCommand(flags, version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the agent config named by --config, or the defaults.
func (f *globalFlags) loadConfig() (*config.AgentConfig, error) {
	return config.LoadAgentConfig(f.configPath)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cliLogger is the logger handed to packages used by one-shot commands.
func cliLogger() zerolog.Logger {
	return log.Logger
}
