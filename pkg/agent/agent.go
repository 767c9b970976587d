// Package agent assembles a driftwood agent from its configuration: the
// runtime connectors, the state journal, admission policies, the
// dispatcher and the desired-state source.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/driftwood-io/driftwood/pkg/config"
	"github.com/driftwood-io/driftwood/pkg/coordinator"
	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/policy"
	"github.com/driftwood-io/driftwood/pkg/runtimes"
	"github.com/driftwood-io/driftwood/pkg/stores"
	"github.com/driftwood-io/driftwood/pkg/telemetry"
)

const (
	// statusInterval is how often gauges derived from agent state refresh.
	statusInterval = 5 * time.Second

	retentionInterval = time.Hour
)

// Options carries what the configuration file does not.
type Options struct {
	Version string

	// Telemetry receives metrics and events. Optional.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger
}

// Agent is a configured, not yet running, driftwood agent.
type Agent struct {
	cfg    *config.AgentConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	journal    *stores.SQLiteStore
	registry   *runtimes.Registry
	policies   *policy.Engine
	dispatcher *engine.Dispatcher

	// at most one desired-state source is set
	client  *coordinator.Client
	watcher *config.ManifestWatcher
}

// New wires an agent. The journal is opened and migrated here; Close
// releases it when Run is never called.
func New(ctx context.Context, cfg *config.AgentConfig, opts Options) (a *Agent, err error) {
	logger := opts.Logger.With().Str("agent", cfg.Name).Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	a = &Agent{cfg: cfg, tel: opts.Telemetry, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.journal, err = stores.Open(ctx, stores.Config{
		Path:             cfg.DatabasePath(),
		HistoryRetention: cfg.HistoryRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state journal: %w", err)
	}

	a.registry, err = NewRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.policies, err = policy.NewEngine(logger, policy.WithAgent(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policies) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policies); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	dcfg := engine.DispatcherConfig{
		Agent:             cfg.Name,
		Connectors:        a.registry,
		Retry:             cfg.Retry,
		PollInterval:      cfg.PollInterval,
		ForwarderCapacity: cfg.ForwarderBuffer,
		Journal:           a.journal,
		Admitter:          admissionChain{a.registry, a.policies},
		Logger:            logger,
	}
	if a.tel != nil {
		dcfg.Metrics = metricsRecorder{m: a.tel.Metrics}
		a.tel.Events.SetAgent(cfg.Name)
		logEvents(a.tel.Events, logger.With().Str("component", "events").Logger())
		dcfg.Events = eventPublisher{p: a.tel.Events}
	}

	if cfg.Coordinator.Address != "" {
		facts := CollectHostFacts("/")
		logger.Info().
			Str("os", facts.OS).
			Str("kernel", facts.Kernel).
			Int("cpus", facts.CPUs).
			Int64("memory_mb", facts.MemoryMB).
			Msg("Collected host facts")

		a.client, err = coordinator.NewClient(coordinator.ClientConfig{
			Address:          cfg.Coordinator.Address,
			Agent:            cfg.Name,
			Version:          opts.Version,
			Runtimes:         a.registry.Names(),
			Metadata:         facts.Metadata(),
			ReconnectInitial: cfg.Coordinator.ReconnectInitial,
			ReconnectMax:     cfg.Coordinator.ReconnectMax,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		dcfg.Upstream = a.client
	}

	a.dispatcher, err = engine.NewDispatcher(dcfg)
	if err != nil {
		return nil, err
	}

	if cfg.Manifest != "" {
		a.watcher, err = config.NewManifestWatcher(config.WatcherConfig{
			Path:   cfg.Manifest,
			Agent:  cfg.Name,
			Loader: config.NewManifestLoader(0, map[string]interface{}{"agent": cfg.Name}),
			Submit: a.submitManifest,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Run starts the dispatcher and the desired-state source and blocks until
// ctx is canceled or a component fails. Workloads keep running after Run
// returns so that the next agent process can resume them.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}

	if a.tel != nil {
		if err := a.tel.StartMetricsServer(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		g.Go(func() error {
			a.reportStatus(ctx)
			return nil
		})
	}

	if len(a.cfg.Policies) > 0 {
		if err := a.policies.Watch(ctx, a.cfg.Policies); err != nil {
			a.logger.Warn().Err(err).Msg("Policy hot reload disabled")
		}
	}

	g.Go(func() error {
		a.journal.RunRetention(ctx, retentionInterval, func(err error) {
			a.logger.Error().Err(err).Msg("Failed to prune journal history")
		})
		return nil
	})

	switch {
	case a.client != nil:
		g.Go(func() error { return a.client.Run(ctx, a.dispatcher) })
	case a.watcher != nil:
		g.Go(func() error { return a.watcher.Run(ctx) })
	default:
		a.logger.Warn().Msg("No coordinator or manifest configured, waiting for nothing")
	}

	a.logger.Info().
		Strs("runtimes", a.registry.Names()).
		Str("data_dir", a.cfg.DataDir).
		Msg("Agent started")

	<-ctx.Done()
	err := g.Wait()
	a.dispatcher.Wait()

	a.logger.Info().Msg("Agent stopped")
	return err
}

// submitManifest applies a manifest batch and reports the reload.
func (a *Agent) submitManifest(ctx context.Context, batch *engine.Batch) error {
	err := a.dispatcher.Apply(ctx, batch)
	if a.tel != nil {
		level := telemetry.EventLevelInfo
		msg := fmt.Sprintf("Manifest %s applied", a.cfg.Manifest)
		if err != nil {
			level = telemetry.EventLevelError
			msg = err.Error()
		}
		_ = a.tel.Events.Publish(telemetry.Event{
			Type:      telemetry.EventTypeManifestReloaded,
			Source:    "manifest_watcher",
			Agent:     a.cfg.Name,
			RequestID: batch.RequestID,
			Message:   msg,
			Level:     level,
			Data:      map[string]interface{}{"workloads": len(batch.Workloads)},
		})
	}
	return err
}

// reportStatus refreshes state gauges and tracks the coordinator session.
func (a *Agent) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	connected := false
	for {
		counts := a.dispatcher.StateCounts()
		gauge := make(map[string]int, len(counts))
		for state, n := range counts {
			gauge[string(state)] = n
		}
		a.tel.Metrics.SetWorkloadStates(gauge)

		if a.client != nil {
			now := a.client.Connected()
			a.tel.Metrics.SetCoordinatorConnected(now)
			if now != connected {
				_ = a.tel.Events.PublishCoordinatorConnected(a.cfg.Coordinator.Address, now)
				connected = now
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the runtime connectors and the journal.
func (a *Agent) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
		a.registry = nil
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	return errors.Join(errs...)
}

// Dispatcher returns the agent's dispatcher.
func (a *Agent) Dispatcher() *engine.Dispatcher { return a.dispatcher }

// Policies returns the admission policy engine.
func (a *Agent) Policies() *policy.Engine { return a.policies }

// Runtimes returns the names of the enabled runtimes.
func (a *Agent) Runtimes() []string { return a.registry.Names() }
