package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwood-io/driftwood/pkg/agent"
	"github.com/driftwood-io/driftwood/pkg/telemetry"
)

func newRunCommand(flags *globalFlags, version string) *cobra.Command {
	var (
		name        string
		dataDir     string
		coordinator string
		manifest    string
		policies    []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long: `Start the agent and keep its workloads converged until interrupted.

The agent takes its desired state from the coordinator, or from a local
manifest that is reloaded whenever it changes. Without either it only
resumes what the journal in the data directory remembers.

Flags override values from the config file.`,
		Example: `  # Run against a coordinator
  driftwood run --name agent_A --coordinator coord.example.com:7420

  # Run standalone from a manifest
  driftwood run -c agent.yaml --manifest ./workloads.yaml

  # Enforce extra policies
  driftwood run -c agent.yaml --policy ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			fl := cmd.Flags()
			if fl.Changed("name") {
				cfg.Name = name
			}
			if fl.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if fl.Changed("coordinator") {
				cfg.Coordinator.Address = coordinator
			}
			if fl.Changed("manifest") {
				cfg.Manifest = manifest
			}
			if fl.Changed("policy") {
				cfg.Policies = policies
			}
			if fl.Changed("metrics-address") {
				cfg.Telemetry.Metrics.ListenAddress = metricsAddr
			}
			if flags.verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			cfg.Telemetry.ServiceVersion = version
			if err := cfg.Validate(); err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			ctx := tel.WithContext(cmd.Context())
			a, err := agent.New(ctx, cfg, agent.Options{
				Version:   version,
				Telemetry: tel,
				Logger:    tel.Logger.Zerolog(),
			})
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the journal and workload files")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator address (host:port)")
	cmd.Flags().StringVar(&manifest, "manifest", "", "local manifest used as desired state")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "rego policy file or directory (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "listen address of the metrics endpoint")

	return cmd
}
