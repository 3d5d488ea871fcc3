// Package circuit provides the failure-counting breaker shared by the render
// queue and the recovery manager.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after a threshold of consecutive failures and probes again
// after a cooldown. All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	state        State
	failures     int
	openedAt     time.Time
	totalTrips   int
	totalAllowed int
	totalDenied  int

	now func() time.Time
}

// New creates a closed breaker.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed. When the cooldown has
// elapsed on an open breaker, one probing attempt is allowed and the breaker
// moves to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.totalAllowed++

		return true
	default:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.totalAllowed++

			return true
		}

		b.totalDenied++

		return false
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
}

// RecordFailure counts a failure, tripping the breaker at the threshold. A
// failure during half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			b.totalTrips++
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}

// Reset force-closes the breaker and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
}

// Stats describes breaker activity.
type Stats struct {
	State        State
	Failures     int
	TotalTrips   int
	TotalAllowed int
	TotalDenied  int
}

// Stats returns a snapshot of breaker activity.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:        b.state,
		Failures:     b.failures,
		TotalTrips:   b.totalTrips,
		TotalAllowed: b.totalAllowed,
		TotalDenied:  b.totalDenied,
	}
}

// SetClock overrides the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = now
}
