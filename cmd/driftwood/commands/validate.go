package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftwood-io/driftwood/pkg/agent"
	"github.com/driftwood-io/driftwood/pkg/config"
	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/policy"
	"github.com/driftwood-io/driftwood/pkg/runtimes"
)

// agentReport is the validation outcome of one agent's share of a manifest.
type agentReport struct {
	Agent     string     `json:"agent"`
	Workloads int        `json:"workloads"`
	Levels    [][]string `json:"levels,omitempty"`
	Errors    []string   `json:"errors,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	var (
		agentName string
		policies  []string
	)

	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a manifest",
		Long: `Validate a desired-state manifest the way an agent would admit it.

For every agent the manifest assigns workloads to, this command checks:
  - Workload fields and names
  - Runtime names and runtime configs against the enabled runtimes
  - Dependency cycles
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a manifest for every agent
  driftwood validate ./workloads.yaml

  # Validate one agent's share with extra policies
  driftwood validate --agent agent_A --policy ./policies ./workloads.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("policy") {
				cfg.Policies = policies
			}

			manifest, err := config.NewManifestLoader(0, map[string]interface{}{"agent": agentName}).Load(ctx, args[0])
			if err != nil {
				return err
			}

			registry, err := agent.NewRegistry(cfg, cliLogger())
			if err != nil {
				return err
			}
			defer registry.Close()

			pe, err := policy.NewEngine(cliLogger())
			if err != nil {
				return err
			}
			if len(cfg.Policies) > 0 {
				if err := pe.LoadPolicies(ctx, cfg.Policies); err != nil {
					return err
				}
			}

			agents := manifest.Agents()
			if agentName != "" {
				agents = []string{agentName}
			}

			var reports []agentReport
			failed := false
			for _, name := range agents {
				report := validateAgent(ctx, manifest, name, registry, pe)
				if len(report.Errors) > 0 {
					failed = true
				}
				reports = append(reports, report)
			}

			var unassigned []string
			for _, name := range manifest.Names() {
				if manifest.Workloads[name].Agent == "" {
					unassigned = append(unassigned, name)
				}
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				if err := writeJSON(out, map[string]interface{}{
					"manifest":   manifest.Source,
					"agents":     reports,
					"unassigned": unassigned,
					"valid":      !failed,
				}); err != nil {
					return err
				}
			} else {
				printReports(out, reports, unassigned)
			}

			if failed {
				return fmt.Errorf("manifest %s is invalid", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentName, "agent", "", "only validate the workloads of this agent")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "rego policy file or directory (repeatable)")

	return cmd
}

// validateAgent runs the admission checks of an agent over its share of
// the manifest, starting from an empty desired state.
func validateAgent(ctx context.Context, m *config.Manifest, name string, registry *runtimes.Registry, pe *policy.Engine) agentReport {
	batch := m.Batch(name, "validate")
	report := agentReport{Agent: name, Workloads: len(batch.Workloads)}
	if len(batch.Workloads) == 0 {
		report.Warnings = append(report.Warnings, "no workloads assigned")
		return report
	}

	store := engine.NewSpecStore()
	empty := store.Snapshot()

	for _, spec := range batch.Workloads {
		if _, err := registry.Lookup(spec.Runtime); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: runtime %q is not enabled", spec.Name, spec.Runtime))
		}
	}
	if err := registry.Admit(ctx, batch, empty); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	if _, err := store.Apply(batch); err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else if graph, err := engine.BuildDependencyGraph(store.Snapshot()); err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else {
		report.Levels = graph.Levels()
	}

	result, err := pe.Evaluate(ctx, policy.NewInput(name, batch, empty))
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("policy evaluation failed: %v", err))
		return report
	}
	for _, v := range result.Violations {
		report.Errors = append(report.Errors, fmt.Sprintf("policy %s: %s", v.Policy, v.Message))
	}
	report.Warnings = append(report.Warnings, result.Warnings...)
	return report
}

func printReports(w io.Writer, reports []agentReport, unassigned []string) {
	for _, r := range reports {
		status := "OK"
		if len(r.Errors) > 0 {
			status = "INVALID"
		}
		fmt.Fprintf(w, "%s: %d workloads %s\n", r.Agent, r.Workloads, status)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  error:   %s\n", e)
		}
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warn)
		}
	}
	if len(unassigned) > 0 {
		fmt.Fprintf(w, "unassigned: %s\n", strings.Join(unassigned, ", "))
	}
}
