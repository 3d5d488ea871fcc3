package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.ConsecutiveFailures())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 30*time.Second)

	now := time.Now()
	b.SetClock(func() time.Time { return now })

	b.RecordFailure()
	assert.False(t, b.Allow())

	// Cooldown elapses: one probe is allowed, state moves to half-open.
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Probe success closes the breaker.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 10*time.Second)

	now := time.Now()
	b.SetClock(func() time.Time { return now })

	b.RecordFailure()
	b.RecordFailure()
	now = now.Add(11 * time.Second)
	assert.True(t, b.Allow())

	// A single failure while half-open reopens immediately.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// And the cooldown starts over from the reopen.
	now = now.Add(5 * time.Second)
	assert.False(t, b.Allow())
	now = now.Add(6 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	b := New(1, time.Hour)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
	assert.True(t, b.Allow())
}

func TestBreaker_Stats(t *testing.T) {
	b := New(1, time.Hour)

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.Allow()

	stats := b.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, 1, stats.TotalTrips)
	assert.Equal(t, 1, stats.TotalAllowed)
	assert.Equal(t, 2, stats.TotalDenied)
}
