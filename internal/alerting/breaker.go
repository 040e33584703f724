package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// BreakerState is the state of the alert-storm circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// VolumeCounter counts alert creations over time. The in-memory counter is
// only correct for a single process; multi-instance deployments share a
// centralized implementation.
type VolumeCounter interface {
	Record(ctx context.Context, at time.Time) error
	Count(ctx context.Context, since, until time.Time) (int64, error)
	// Earliest returns the time of the first recorded creation, if any.
	Earliest(ctx context.Context) (time.Time, bool, error)
}

// BreakerDecision is the outcome of one breaker evaluation.
type BreakerDecision struct {
	State      BreakerState
	Current    int64
	Expected   float64
	BaselineOK bool
}

// ShouldDowngrade reports whether an alert of severity sev must be demoted to Info.
func (d BreakerDecision) ShouldDowngrade(sev Severity) bool {
	return d.State == BreakerOpen && sev.Rank() > SeverityInfo.Rank() && sev.Rank() <= SeverityWarning.Rank()
}

// Escalation is raised to operators when an open breaker keeps climbing.
type Escalation struct {
	At        time.Time    `json:"at"`
	State     BreakerState `json:"state"`
	Current   int64        `json:"current"`
	Threshold int64        `json:"threshold"`
	Expected  float64      `json:"expected,omitempty"`
}

// BreakerHooks receives breaker side effects. Nil fields are skipped.
type BreakerHooks struct {
	OnTransition func(from, to BreakerState)
	OnEscalation func(ctx context.Context, e *Escalation)
}

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	State     BreakerState `json:"state"`
	ChangedAt time.Time    `json:"changed_at"`
	Window    string       `json:"window"`
	Threshold int64        `json:"threshold"`
	Current   int64        `json:"current"`
	Expected  float64      `json:"expected"`
}

// CircuitBreaker demotes non-critical alerts while creation volume is
// abnormally high, with hysteresis between opening and closing.
type CircuitBreaker struct {
	policy  BreakerPolicy
	counter VolumeCounter
	logger  log.Logger
	hooks   BreakerHooks

	mu             sync.Mutex
	state          BreakerState
	changedAt      time.Time
	trialStart     time.Time
	lastEscalation time.Time
	last           BreakerDecision
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(p BreakerPolicy, counter VolumeCounter, logger log.Logger, hooks BreakerHooks) *CircuitBreaker {
	if logger == nil {
		logger = log.Nop()
	}
	if p.TrialWindow <= 0 {
		p.TrialWindow = p.Window
	}
	return &CircuitBreaker{
		policy:  p,
		counter: counter,
		logger:  logger,
		hooks:   hooks,
		state:   BreakerClosed,
	}
}

// RecordCreation counts one committed alert creation. Failures are logged
// and otherwise ignored so they never block alert creation.
func (b *CircuitBreaker) RecordCreation(ctx context.Context, at time.Time) {
	if err := b.counter.Record(ctx, at); err != nil {
		b.logger.Error(ctx, err, "breaker volume record failed")
	}
}

// Evaluate measures the current window and advances the state machine by at
// most one step.
func (b *CircuitBreaker) Evaluate(ctx context.Context, now time.Time) BreakerDecision {
	current, err := b.counter.Count(ctx, now.Add(-b.policy.Window), now)
	if err != nil {
		b.logger.Error(ctx, err, "breaker volume count failed, keeping state")
		b.mu.Lock()
		defer b.mu.Unlock()
		return BreakerDecision{State: b.state}
	}
	expected, baselineOK := b.baseline(ctx, now)

	b.mu.Lock()
	from := b.state
	to := b.next(now, current, expected, baselineOK)
	if to != from {
		b.state = to
		b.changedAt = now
		if to == BreakerHalfOpen {
			b.trialStart = now
		}
	}
	var esc *Escalation
	if b.state == BreakerOpen && float64(current) > b.policy.EscalationFactor*float64(b.policy.Threshold) &&
		(b.lastEscalation.IsZero() || now.Sub(b.lastEscalation) >= b.policy.Window) {
		b.lastEscalation = now
		esc = &Escalation{At: now, State: b.state, Current: current, Threshold: b.policy.Threshold, Expected: expected}
	}
	d := BreakerDecision{State: b.state, Current: current, Expected: expected, BaselineOK: baselineOK}
	b.last = d
	b.mu.Unlock()

	if to != from {
		b.logger.Warn(ctx, "circuit breaker transition",
			"from", from,
			"to", to,
			"current_volume", current,
			"expected_volume", expected,
			"baseline_available", baselineOK,
			"threshold", b.policy.Threshold,
			"window", b.policy.Window.String(),
		)
		if b.hooks.OnTransition != nil {
			b.hooks.OnTransition(from, to)
		}
	}
	if esc != nil {
		b.logger.Warn(ctx, "circuit breaker escalation", "current_volume", current, "threshold", b.policy.Threshold)
		if b.hooks.OnEscalation != nil {
			b.hooks.OnEscalation(ctx, esc)
		}
	}
	return d
}

// next computes the following state. Callers hold b.mu.
func (b *CircuitBreaker) next(now time.Time, current int64, expected float64, baselineOK bool) BreakerState {
	threshold := float64(b.policy.Threshold)
	vol := float64(current)
	ratioActive := baselineOK && expected > 0

	switch b.state {
	case BreakerOpen:
		if vol < b.policy.RecoverFraction*threshold && (!ratioActive || vol < expected) {
			return BreakerHalfOpen
		}
		return BreakerOpen
	case BreakerHalfOpen:
		switch {
		case vol > threshold:
			return BreakerOpen
		case vol >= b.policy.CloseFraction*threshold:
			b.trialStart = now
			return BreakerHalfOpen
		case now.Sub(b.trialStart) >= b.policy.TrialWindow:
			return BreakerClosed
		default:
			return BreakerHalfOpen
		}
	default:
		if vol > threshold || (ratioActive && vol > b.policy.SurgeFactor*expected) {
			return BreakerOpen
		}
		return BreakerClosed
	}
}

// baseline returns the trailing average volume scaled to one window. It is
// unavailable until the counter holds a full lookback of history.
func (b *CircuitBreaker) baseline(ctx context.Context, now time.Time) (float64, bool) {
	if b.policy.BaselineLookback <= 0 {
		return 0, false
	}
	earliest, ok, err := b.counter.Earliest(ctx)
	if err != nil {
		b.logger.Warn(ctx, "breaker baseline unavailable", "error", err)
		return 0, false
	}
	if !ok || earliest.After(now.Add(-b.policy.BaselineLookback)) {
		return 0, false
	}
	end := now.Add(-b.policy.Window)
	total, err := b.counter.Count(ctx, end.Add(-b.policy.BaselineLookback), end)
	if err != nil {
		b.logger.Warn(ctx, "breaker baseline unavailable", "error", err)
		return 0, false
	}
	windows := float64(b.policy.BaselineLookback) / float64(b.policy.Window)
	return float64(total) / windows, true
}

// Snapshot returns the breaker state and the last measured volumes.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:     b.state,
		ChangedAt: b.changedAt,
		Window:    b.policy.Window.String(),
		Threshold: b.policy.Threshold,
		Current:   b.last.Current,
		Expected:  b.last.Expected,
	}
}

// MemoryVolumeCounter is a single-process VolumeCounter with minute resolution.
type MemoryVolumeCounter struct {
	mu        sync.Mutex
	buckets   map[int64]int64 // unix minute -> creations
	earliest  time.Time
	retention time.Duration
	lastPrune int64
}

// NewMemoryVolumeCounter keeps buckets for the given retention.
func NewMemoryVolumeCounter(retention time.Duration) *MemoryVolumeCounter {
	return &MemoryVolumeCounter{
		buckets:   make(map[int64]int64),
		retention: retention,
	}
}

// Record implements VolumeCounter.
func (c *MemoryVolumeCounter) Record(_ context.Context, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := at.Unix() / 60
	c.buckets[m]++
	if c.earliest.IsZero() || at.Before(c.earliest) {
		c.earliest = at
	}
	if c.retention > 0 && m != c.lastPrune {
		c.lastPrune = m
		cutoff := at.Add(-c.retention).Unix() / 60
		for k := range c.buckets {
			if k < cutoff {
				delete(c.buckets, k)
			}
		}
	}
	return nil
}

// Count implements VolumeCounter. Both ends are rounded down to the minute
// and included.
func (c *MemoryVolumeCounter) Count(_ context.Context, since, until time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lo, hi := since.Unix()/60, until.Unix()/60
	var n int64
	if hi-lo < int64(len(c.buckets)) {
		for m := lo; m <= hi; m++ {
			n += c.buckets[m]
		}
		return n, nil
	}
	for m, v := range c.buckets {
		if m >= lo && m <= hi {
			n += v
		}
	}
	return n, nil
}

// Earliest implements VolumeCounter.
func (c *MemoryVolumeCounter) Earliest(_ context.Context) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.earliest, !c.earliest.IsZero(), nil
}
