// Command driftwood-coordinator serves desired state from a manifest to
// connected driftwood agents and relays their execution states.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/driftwood-io/driftwood/pkg/config"
	"github.com/driftwood-io/driftwood/pkg/coordinator"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Coordinator failed")
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		listen      string
		manifest    string
		hello       time.Duration
		statusEvery time.Duration
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "driftwood-coordinator",
		Short: "Serve desired state to driftwood agents",
		Long: `driftwood-coordinator loads a manifest holding the workloads of every
agent and hands each connected agent its share. Execution states reported by
one agent are relayed to the others so that dependencies across hosts
resolve. The manifest is reloaded whenever it changes.`,
		Example: `  driftwood-coordinator --listen :7420 --manifest fleet.yaml`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			ctx := cmd.Context()

			server := coordinator.NewServer(coordinator.ServerConfig{
				Address:      listen,
				HelloTimeout: hello,
				Logger:       log.Logger,
			})
			watcher, err := config.NewManifestWatcher(config.WatcherConfig{
				Path:   manifest,
				Submit: server.SubmitDesiredState,
				Logger: log.Logger,
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.ListenAndServe(gctx) })
			g.Go(func() error { return watcher.Run(gctx) })
			if statusEvery > 0 {
				g.Go(func() error {
					logStatus(gctx, server, statusEvery)
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":7420", "address to accept agent connections on")
	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "manifest file or CUE package directory")
	cmd.Flags().DurationVar(&hello, "hello-timeout", 10*time.Second, "time an agent has to introduce itself")
	cmd.Flags().DurationVar(&statusEvery, "status-interval", time.Minute, "interval of status log lines, 0 disables them")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func logStatus(ctx context.Context, server *coordinator.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		agents := server.Agents()
		names := make([]string, 0, len(agents))
		for _, a := range agents {
			names = append(names, a.Name)
		}
		log.Info().
			Strs("agents", names).
			Int("workloads", len(server.Desired())).
			Int("states", len(server.States())).
			Msg("Coordinator status")
	}
}
