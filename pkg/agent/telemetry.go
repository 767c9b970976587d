package agent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/telemetry"
)

// metricsRecorder feeds engine measurements into the prometheus metrics.
type metricsRecorder struct {
	m *telemetry.Metrics
}

var _ engine.MetricsRecorder = metricsRecorder{}

func (r metricsRecorder) RecordTransition(from, to engine.WorkloadState) {
	r.m.RecordTransition(string(from), string(to))
}

func (r metricsRecorder) RecordRuntimeCall(runtime, operation string, duration time.Duration, err error) {
	r.m.RecordRuntimeCall(runtime, operation, duration, err)
	if err != nil {
		r.m.RecordError(runtimeErrorLabels(err))
	}
}

// runtimeErrorLabels returns class and code of a runtime error. Connector
// errors without a class are transient to the engine.
func runtimeErrorLabels(err error) (string, string) {
	var e *engine.EngineError
	if errors.As(err, &e) && e.Code != "" {
		return string(e.Class), e.Code
	}
	return string(engine.ErrorClassTransient), engine.ErrCodeRuntimeFailed
}

func (r metricsRecorder) RecordRetryScheduled(operation string, attempt int, delay time.Duration) {
	r.m.RecordRetryScheduled(operation, attempt, delay)
}

func (r metricsRecorder) RecordBatch(accepted bool, code string) {
	r.m.RecordBatch(accepted, code)
}

func (r metricsRecorder) SetForwarderQueueDepth(depth int) {
	r.m.SetForwarderQueueDepth(depth)
}

// eventPublisher forwards engine events to the telemetry event bus.
type eventPublisher struct {
	p *telemetry.EventPublisher
}

var _ engine.EventPublisher = eventPublisher{}

func (e eventPublisher) Publish(_ context.Context, ev *engine.Event) error {
	switch ev.Type {
	case engine.EventWorkloadStateChanged:
		from, _ := ev.Data["from"].(string)
		to, _ := ev.Data["state"].(string)
		substatus, _ := ev.Data["substatus"].(string)
		generation, _ := ev.Data["generation"].(uint64)
		return e.p.PublishWorkloadStateChanged(ev.Workload, from, to, substatus, generation)

	case engine.EventRetryScheduled:
		operation, _ := ev.Data["operation"].(string)
		attempt, _ := ev.Data["attempt"].(int)
		delayMs, _ := ev.Data["delay_ms"].(int64)
		return e.p.PublishRetryScheduled(ev.Workload, operation, attempt, time.Duration(delayMs)*time.Millisecond)

	case engine.EventBatchAccepted:
		size, _ := ev.Data["size"].(int)
		return e.p.PublishBatchAccepted(ev.RequestID, size)

	case engine.EventBatchRejected:
		code, _ := ev.Data["code"].(string)
		if code == engine.ErrCodePolicy {
			_ = e.p.PublishPolicyViolation(ev.RequestID, "admission", ev.Message)
		}
		return e.p.PublishBatchRejected(ev.RequestID, code, ev.Message)
	}

	return e.p.Publish(telemetry.Event{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Type:      string(ev.Type),
		Source:    "dispatcher",
		Workload:  ev.Workload,
		RequestID: ev.RequestID,
		Message:   ev.Message,
		Data:      ev.Data,
	})
}

// logEvents writes warning and error events to the agent log.
func logEvents(p *telemetry.EventPublisher, logger zerolog.Logger) {
	p.Subscribe(func(ev telemetry.Event) {
		entry := logger.Warn()
		if ev.Level == telemetry.EventLevelError {
			entry = logger.Error()
		}
		entry.
			Str("event", ev.Type).
			Str("workload", ev.Workload).
			Str("request_id", ev.RequestID).
			Msg(ev.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
}
