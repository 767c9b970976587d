package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Driftwood agent.
type Metrics struct {
	config MetricsConfig

	// Workload metrics
	transitions    *prometheus.CounterVec
	workloadStates *prometheus.GaugeVec

	// Runtime metrics
	runtimeCalls    *prometheus.CounterVec
	runtimeDuration *prometheus.HistogramVec
	runtimeErrors   *prometheus.CounterVec

	// Retry metrics
	retriesScheduled *prometheus.CounterVec
	retryDelay       *prometheus.HistogramVec
	retryAttempt     *prometheus.HistogramVec

	// Batch metrics
	batches *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Upstream metrics
	forwarderQueueDepth  prometheus.Gauge
	coordinatorConnected prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// no-op instance, every method checks for nil collectors
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workload_transitions_total",
				Help:      "Total number of workload state transitions",
			},
			[]string{"from", "to"},
		),
		workloadStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workloads",
				Help:      "Current number of workloads per execution state",
			},
			[]string{"state"},
		),

		runtimeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtime_calls_total",
				Help:      "Total number of runtime connector calls",
			},
			[]string{"runtime", "operation"},
		),
		runtimeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runtime_call_duration_seconds",
				Help:      "Duration of runtime connector calls in seconds",
				Buckets:   buckets,
			},
			[]string{"runtime", "operation"},
		),
		runtimeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtime_errors_total",
				Help:      "Total number of failed runtime connector calls",
			},
			[]string{"runtime", "operation"},
		),

		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of scheduled retries",
			},
			[]string{"operation"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Delay before scheduled retries in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		retryAttempt: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_attempt",
				Help:      "Consecutive failure count at the time a retry is scheduled",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"operation"},
		),

		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of desired-state batches by outcome",
			},
			[]string{"outcome", "code"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		forwarderQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forwarder_queue_depth",
				Help:      "Current number of reports waiting for delivery",
			},
		),
		coordinatorConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "coordinator_connected",
				Help:      "Whether the coordinator session is up (1=connected)",
			},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.workloadStates,
		m.runtimeCalls,
		m.runtimeDuration,
		m.runtimeErrors,
		m.retriesScheduled,
		m.retryDelay,
		m.retryAttempt,
		m.batches,
		m.errorsByClass,
		m.errorsByCode,
		m.forwarderQueueDepth,
		m.coordinatorConnected,
	)

	return m, nil
}

// Workload Metrics

// RecordTransition counts a workload state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetWorkloadStates replaces the per-state workload gauge.
func (m *Metrics) SetWorkloadStates(counts map[string]int) {
	if m.workloadStates == nil {
		return
	}
	m.workloadStates.Reset()
	for state, n := range counts {
		m.workloadStates.WithLabelValues(state).Set(float64(n))
	}
}

// Runtime Metrics

// RecordRuntimeCall records a runtime connector call with its duration.
func (m *Metrics) RecordRuntimeCall(runtime, operation string, duration time.Duration, err error) {
	if m.runtimeCalls == nil {
		return
	}
	m.runtimeCalls.WithLabelValues(runtime, operation).Inc()
	m.runtimeDuration.WithLabelValues(runtime, operation).Observe(duration.Seconds())
	if err != nil {
		m.runtimeErrors.WithLabelValues(runtime, operation).Inc()
	}
}

// Retry Metrics

// RecordRetryScheduled records a scheduled retry and its delay.
func (m *Metrics) RecordRetryScheduled(operation string, attempt int, delay time.Duration) {
	if m.retriesScheduled == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(operation).Inc()
	m.retryDelay.WithLabelValues(operation).Observe(delay.Seconds())
	m.retryAttempt.WithLabelValues(operation).Observe(float64(attempt))
}

// Batch Metrics

// RecordBatch records the outcome of a desired-state batch.
func (m *Metrics) RecordBatch(accepted bool, code string) {
	if m.batches == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.batches.WithLabelValues(outcome, code).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Upstream Metrics

// SetForwarderQueueDepth sets the number of undelivered reports.
func (m *Metrics) SetForwarderQueueDepth(depth int) {
	if m.forwarderQueueDepth == nil {
		return
	}
	m.forwarderQueueDepth.Set(float64(depth))
}

// SetCoordinatorConnected marks the coordinator session as up or down.
func (m *Metrics) SetCoordinatorConnected(connected bool) {
	if m.coordinatorConnected == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.coordinatorConnected.Set(value)
}

// Registry returns the registry backing the collector, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the metrics listener and serves it until ctx
// is cancelled. Bind errors are returned synchronously.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger := FromContext(ctx).Zerolog()
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	return nil
}
