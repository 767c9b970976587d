package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// DefaultForwarderCapacity bounds the outbound queue before it is compacted.
const DefaultForwarderCapacity = 1024

// outbound is one queued report.
type outbound struct {
	state  *ExecutionState
	result *BatchResult
}

// Forwarder delivers reports upstream in the order they were produced.
// Enqueue never blocks; delivery failures are retried with exponential
// backoff until the context ends.
type Forwarder struct {
	upstream Upstream
	logger   zerolog.Logger
	metrics  MetricsRecorder
	capacity int

	mu     sync.Mutex
	queue  []outbound
	notify chan struct{}

	// newBackOff creates the delivery backoff; replaced in tests
	newBackOff func() *backoff.ExponentialBackOff
}

// NewForwarder creates a forwarder for the given upstream.
func NewForwarder(upstream Upstream, capacity int, logger zerolog.Logger, metrics MetricsRecorder) *Forwarder {
	if capacity <= 0 {
		capacity = DefaultForwarderCapacity
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Forwarder{
		upstream: upstream,
		logger:   logger.With().Str("component", "forwarder").Logger(),
		metrics:  metrics,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		newBackOff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.Multiplier = 2
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// EnqueueState queues an execution state report.
func (f *Forwarder) EnqueueState(st ExecutionState) {
	f.enqueue(outbound{state: &st})
}

// EnqueueResult queues a batch result.
func (f *Forwarder) EnqueueResult(r BatchResult) {
	f.enqueue(outbound{result: &r})
}

func (f *Forwarder) enqueue(item outbound) {
	f.mu.Lock()
	if len(f.queue) >= f.capacity {
		f.compact()
	}
	f.queue = append(f.queue, item)
	depth := len(f.queue)
	f.mu.Unlock()

	f.metrics.SetForwarderQueueDepth(depth)
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// compact keeps only the newest state per workload, plus every batch
// result. If that is not enough the oldest state is dropped, and when only
// batch results remain the oldest result goes. The head may be in flight
// and is never touched. Callers hold mu.
func (f *Forwarder) compact() {
	latest := make(map[string]int, len(f.queue))
	for i, item := range f.queue {
		if item.state != nil {
			latest[item.state.Workload] = i
		}
	}

	kept := f.queue[:0:0]
	for i, item := range f.queue {
		if i > 0 && item.state != nil && latest[item.state.Workload] != i {
			continue
		}
		kept = append(kept, item)
	}

	if len(kept) >= f.capacity && len(kept) > 1 {
		drop := 1
		for i := 1; i < len(kept); i++ {
			if kept[i].state != nil {
				drop = i
				break
			}
		}
		if item := kept[drop]; item.state != nil {
			f.logger.Warn().
				Str("workload", item.state.Workload).
				Uint64("generation", item.state.Generation).
				Msg("Forwarder queue full, dropping oldest state report")
		} else {
			f.logger.Warn().
				Str("request_id", item.result.RequestID).
				Msg("Forwarder queue full of batch results, dropping the oldest")
		}
		kept = append(kept[:drop], kept[drop+1:]...)
	}

	f.logger.Debug().Int("before", len(f.queue)).Int("after", len(kept)).Msg("Compacted forwarder queue")
	f.queue = kept
}

// Len returns the number of undelivered reports.
func (f *Forwarder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Forwarder) head() (outbound, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return outbound{}, false
	}
	return f.queue[0], true
}

func (f *Forwarder) pop() {
	f.mu.Lock()
	f.queue = f.queue[1:]
	depth := len(f.queue)
	f.mu.Unlock()
	f.metrics.SetForwarderQueueDepth(depth)
}

// Run delivers queued reports until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	b := f.newBackOff()
	b.Reset()

	for {
		item, ok := f.head()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-f.notify:
				continue
			}
		}

		if err := f.deliver(ctx, item); err != nil {
			delay := b.NextBackOff()
			f.logger.Debug().Err(err).Dur("retry_in", delay).Msg("Upstream delivery failed")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		b.Reset()
		f.pop()
	}
}

func (f *Forwarder) deliver(ctx context.Context, item outbound) error {
	var err error
	if item.state != nil {
		err = f.upstream.ReportExecutionState(ctx, *item.state)
		if err != nil {
			return NewCommunicationError("report_state", err).WithWorkload(item.state.Workload)
		}
		return nil
	}
	err = f.upstream.ReportBatchResult(ctx, *item.result)
	if err != nil {
		return NewCommunicationError("report_batch_result", err)
	}
	return nil
}
