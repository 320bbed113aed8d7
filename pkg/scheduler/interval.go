package scheduler

import (
	"time"
)

// Outcome classifies one pull cycle of a request.
type Outcome int

const (
	// OutcomeReset means a real message was exchanged; polling speeds back
	// up to the base interval.
	OutcomeReset Outcome = iota
	// OutcomeIncrease means the exchange was empty; the interval grows.
	OutcomeIncrease
)

func (o Outcome) String() string {
	if o == OutcomeReset {
		return "reset"
	}
	return "increase"
}

// IntervalRequest is one scheduled pull target with its own backoff
// state. Its lifetime is bound to the scheduler that owns it; callers
// hand it over at registration and never mutate it afterwards.
type IntervalRequest struct {
	base    time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
	nextRun time.Time
}

// NewIntervalRequest builds a request starting at base. factor below 1 is
// treated as 2, max below base is lifted to base.
func NewIntervalRequest(base, max time.Duration, factor float64) *IntervalRequest {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if factor < 1 {
		factor = 2
	}
	return &IntervalRequest{base: base, max: max, factor: factor, current: base}
}

// Current returns the present backoff interval.
func (r *IntervalRequest) Current() time.Duration { return r.current }

// Reset returns the interval to the base.
func (r *IntervalRequest) Reset() { r.current = r.base }

// Increase grows the interval by the backoff factor, capped at max.
func (r *IntervalRequest) Increase() {
	next := time.Duration(float64(r.current) * r.factor)
	if next > r.max || next < r.current {
		next = r.max
	}
	r.current = next
}

// Apply maps an outcome onto the interval.
func (r *IntervalRequest) Apply(o Outcome) {
	if o == OutcomeReset {
		r.Reset()
		return
	}
	r.Increase()
}

func (r *IntervalRequest) reschedule(now time.Time) {
	r.nextRun = now.Add(r.current)
}

func (r *IntervalRequest) due(now time.Time) bool {
	return !r.nextRun.After(now)
}
