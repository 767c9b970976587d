package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftwood-io/driftwood/pkg/config"
	"github.com/driftwood-io/driftwood/pkg/engine"
)

func newGraphCommand(flags *globalFlags) *cobra.Command {
	var (
		agentName string
		dot       bool
	)

	cmd := &cobra.Command{
		Use:   "graph <manifest>",
		Short: "Show the dependency graph of a manifest",
		Long: `Print the start order of a manifest's workloads.

Workloads are grouped into levels: every workload only depends on
workloads of earlier levels. Dependencies on workloads of other agents
do not affect the levels. With --dot the graph is printed in Graphviz format with
edges labeled by their condition.`,
		Example: `  # Start levels of agent_A
  driftwood graph --agent agent_A ./workloads.yaml

  # Render the whole manifest
  driftwood graph --dot ./workloads.yaml | dot -Tsvg > graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := config.NewManifestLoader(0, map[string]interface{}{"agent": agentName}).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			store := engine.NewSpecStore()
			if _, err := store.Apply(manifest.Batch(agentName, "graph")); err != nil {
				return err
			}
			graph, err := engine.BuildDependencyGraph(store.Snapshot())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = fmt.Fprint(out, graph.ToDOT())
				return err
			case flags.jsonOutput:
				return writeJSON(out, map[string]interface{}{"levels": graph.Levels()})
			}

			for i, level := range graph.Levels() {
				fmt.Fprintf(out, "level %d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentName, "agent", "", "only include the workloads of this agent")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}
