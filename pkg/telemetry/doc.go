// Package telemetry provides observability instrumentation for Driftwood agents
// and coordinators.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing behind a single
// Telemetry value that is built once at startup and threaded through contexts.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Logger applies the configured level, format, output and sampling.
// Packages take a plain zerolog.Logger and receive Logger.Zerolog():
//
//	logger := tel.Logger.Zerolog().With().Str("component", "dispatcher").Logger()
//	logger.Info().Str("request_id", id).Msg("Batch accepted")
//
// # Metrics
//
// Metrics are registered on a private registry and served at
// MetricsConfig.Path (default :9464/metrics). The collector methods mirror
// what the engine reports: state transitions, runtime calls, scheduled
// retries, batch outcomes, forwarder queue depth and coordinator
// connectivity. A disabled collector turns every method into a no-op.
//
// # Events
//
// EventPublisher buffers events and delivers them to subscribers in order,
// either synchronously or from a background goroutine that flushes full
// batches and, every FlushInterval, partial ones. Events without an agent
// carry the one set with SetAgent.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Workload, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// # Tracing
//
// Supported exporters are otlp (gRPC), stdout and none. NewTracer installs
// the provider and a W3C trace-context propagator globally. Packages call
// otel.Tracer directly and share the same pipeline.
package telemetry
