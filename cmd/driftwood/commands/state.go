package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftwood-io/driftwood/pkg/stores"
)

func newStateCommand(flags *globalFlags) *cobra.Command {
	var (
		history string
		batches bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show journaled workload states",
		Long: `Read the state journal of the agent configured with --config.

Without flags the latest state, generation and runtime handle of every
journaled workload is listed. The journal can be read while the agent is
running.`,
		Example: `  # Latest state of every workload
  driftwood state -c agent.yaml

  # Transition history of one workload
  driftwood state -c agent.yaml --history db --limit 20

  # Recent desired-state batches
  driftwood state -c agent.yaml --batches`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.DatabasePath()
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no state journal at %s: %w", path, err)
			}

			journal, err := stores.Open(ctx, stores.Config{Path: path})
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			switch {
			case history != "":
				transitions, err := journal.History(ctx, history, limit)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return writeJSON(out, transitions)
				}
				fmt.Fprintln(tw, "TIME\tSTATE\tGENERATION\tSUBSTATUS")
				for _, t := range transitions {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.RecordedAt.Format(time.RFC3339), t.State, t.Generation, t.Substatus)
				}

			case batches:
				records, err := journal.ListBatches(ctx, limit, 0)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return writeJSON(out, records)
				}
				fmt.Fprintln(tw, "TIME\tREQUEST\tACCEPTED\tCODE\tWORKLOADS")
				for _, b := range records {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", b.RecordedAt.Format(time.RFC3339), b.RequestID, b.Accepted, b.Code, strings.Join(b.Workloads, ","))
				}

			default:
				records, err := journal.LoadRecords(ctx)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return writeJSON(out, records)
				}
				fmt.Fprintln(tw, "WORKLOAD\tSTATE\tGENERATION\tSUBSTATUS\tRUNTIME\tHANDLE\tUPDATED")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						r.Workload, r.State, r.Generation, r.Substatus, r.Handle.Runtime, r.Handle.ID, r.UpdatedAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&history, "history", "", "show the transition history of a workload")
	cmd.Flags().BoolVar(&batches, "batches", false, "show recent desired-state batches")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of history entries or batches")

	return cmd
}
