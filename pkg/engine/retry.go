package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// RetryPolicy configures the backoff applied to failed runtime calls.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"baseDelay" validate:"gt=0"`

	// Multiplier grows the delay after every consecutive failure.
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`

	// Jitter is the fraction of the delay that is randomized. The actual
	// delay is drawn from [delay*(1-Jitter), delay].
	Jitter float64 `yaml:"jitter" validate:"gte=0,lte=1"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
		Jitter:     0.5,
	}
}

// Validate checks that the policy yields non-decreasing delays.
func (p RetryPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got: %s", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got: %f", p.Multiplier)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1, got: %f", p.Jitter)
	}
	if p.Multiplier*(1-p.Jitter) < 1 {
		return fmt.Errorf("retry jitter %.2f is too large for multiplier %.2f, delays could shrink", p.Jitter, p.Multiplier)
	}
	return nil
}

// RetryController tracks consecutive failures per workload and schedules
// retries. Retries never give up.
type RetryController struct {
	policy RetryPolicy

	mu       sync.Mutex
	attempts map[string]int
	rng      *rand.Rand

	tokens atomic.Uint64
}

// NewRetryController creates a controller for the given policy.
func NewRetryController(policy RetryPolicy) *RetryController {
	return &RetryController{
		policy:   policy,
		attempts: make(map[string]int),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// Policy returns the configured policy.
func (r *RetryController) Policy() RetryPolicy {
	return r.policy
}

// Backoff returns the delay for the given attempt before jitter is applied:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (r *RetryController) Backoff(attempt int) time.Duration {
	return r.capped(r.raw(attempt))
}

func (r *RetryController) raw(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return float64(r.policy.BaseDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
}

func (r *RetryController) capped(delay float64) time.Duration {
	if delay > float64(r.policy.MaxDelay) || math.IsInf(delay, 1) {
		return r.policy.MaxDelay
	}
	return time.Duration(delay)
}

// NextDelay records one more failure for the workload and returns the
// attempt number and the jittered delay before the next try.
func (r *RetryController) NextDelay(name string) (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[name]++
	attempt := r.attempts[name]
	return attempt, r.jitter(r.raw(attempt))
}

// jitter draws the delay from [delay*(1-Jitter), delay] before capping,
// so consecutive delays never shrink. Callers hold mu.
func (r *RetryController) jitter(delay float64) time.Duration {
	if math.IsInf(delay, 1) || delay > math.MaxInt64 {
		return r.policy.MaxDelay
	}
	spread := delay * r.policy.Jitter
	if spread <= 0 {
		return r.capped(delay)
	}
	return r.capped(delay - spread + r.rng.Float64()*spread)
}

// Attempts returns the consecutive failures recorded for a workload.
func (r *RetryController) Attempts(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[name]
}

// Reset clears the failure count after a successful start.
func (r *RetryController) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, name)
}

// Schedule records a failure and arranges for fire to be called with the
// ticket token once the backoff delay elapsed.
func (r *RetryController) Schedule(name string, fire func(token uint64)) (*RetryTicket, int, time.Duration) {
	attempt, delay := r.NextDelay(name)
	return r.ScheduleAfter(delay, fire), attempt, delay
}

// ScheduleAfter arranges for fire to be called after delay without
// counting a failure.
func (r *RetryController) ScheduleAfter(delay time.Duration, fire func(token uint64)) *RetryTicket {
	t := &RetryTicket{Token: r.tokens.Add(1), Delay: delay}
	t.timer = time.AfterFunc(delay, func() { fire(t.Token) })
	return t
}

// RetryTicket is a scheduled retry. Its token lets the owner ignore
// tickets that were superseded.
type RetryTicket struct {
	Token uint64
	Delay time.Duration
	timer *time.Timer
}

// Cancel stops the timer. It returns false if the retry already fired.
func (t *RetryTicket) Cancel() bool {
	if t == nil || t.timer == nil {
		return false
	}
	return t.timer.Stop()
}
