package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by a Driftwood agent.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Agent is the name of the emitting agent.
	Agent string `json:"agent,omitempty"`

	// Workload is the associated workload name, if applicable.
	Workload string `json:"workload,omitempty"`

	// RequestID is the associated batch request, if applicable.
	RequestID string `json:"request_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeWorkloadStateChanged   = "workload.state_changed"
	EventTypeRetryScheduled         = "workload.retry_scheduled"
	EventTypeBatchAccepted          = "batch.accepted"
	EventTypeBatchRejected          = "batch.rejected"
	EventTypePolicyViolation        = "policy.violation"
	EventTypeCoordinatorConnected   = "coordinator.connected"
	EventTypeCoordinatorDisconnected = "coordinator.disconnected"
	EventTypeManifestReloaded       = "manifest.reloaded"
	EventTypeError                  = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	agent       string
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if event.Agent == "" {
		ep.mu.RLock()
		event.Agent = ep.agent
		ep.mu.RUnlock()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishWorkloadStateChanged publishes a workload state transition.
func (ep *EventPublisher) PublishWorkloadStateChanged(workload, from, to, substatus string, generation uint64) error {
	level := EventLevelInfo
	if to == "Failed" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeWorkloadStateChanged,
		Source:   "engine",
		Workload: workload,
		Message:  fmt.Sprintf("Workload %s changed from %s to %s (%s)", workload, from, to, substatus),
		Level:    level,
		Data: map[string]interface{}{
			"from":       from,
			"state":      to,
			"substatus":  substatus,
			"generation": generation,
		},
	})
}

// PublishRetryScheduled publishes a scheduled retry.
func (ep *EventPublisher) PublishRetryScheduled(workload, operation string, attempt int, delay time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeRetryScheduled,
		Source:   "engine",
		Workload: workload,
		Message:  fmt.Sprintf("Workload %s %s retry %d in %s", workload, operation, attempt, delay),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.Seconds(),
		},
	})
}

// PublishBatchAccepted publishes an accepted batch.
func (ep *EventPublisher) PublishBatchAccepted(requestID string, workloads int) error {
	return ep.Publish(Event{
		Type:      EventTypeBatchAccepted,
		Source:    "dispatcher",
		RequestID: requestID,
		Message:   fmt.Sprintf("Batch %s accepted (%d workloads)", requestID, workloads),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"workloads": workloads,
		},
	})
}

// PublishBatchRejected publishes a rejected batch.
func (ep *EventPublisher) PublishBatchRejected(requestID, code, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeBatchRejected,
		Source:    "dispatcher",
		RequestID: requestID,
		Message:   fmt.Sprintf("Batch %s rejected: %s", requestID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"code":   code,
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(requestID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy_engine",
		RequestID: requestID,
		Message:   fmt.Sprintf("Policy violation in batch %s: %s - %s", requestID, policyName, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishCoordinatorConnected publishes a coordinator session change.
func (ep *EventPublisher) PublishCoordinatorConnected(address string, connected bool) error {
	eventType := EventTypeCoordinatorConnected
	level := EventLevelInfo
	verb := "connected to"
	if !connected {
		eventType = EventTypeCoordinatorDisconnected
		level = EventLevelWarning
		verb = "disconnected from"
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "coordinator_client",
		Message: fmt.Sprintf("Agent %s coordinator %s", verb, address),
		Level:   level,
		Data: map[string]interface{}{
			"address": address,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// SetAgent names the agent stamped on events that carry none.
func (ep *EventPublisher) SetAgent(agent string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.agent = agent
}

// processEvents batches buffered events and delivers a batch when it is
// full, when the flush interval elapses, or on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// drain whatever is still buffered
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}
