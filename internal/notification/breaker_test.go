package notification

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, clock.Now)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, uint64(1), b.Stats().Rejected)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}, nil)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, clock.Now)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only the probe gets through while it is outstanding.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, clock.Now)

	require.NoError(t, b.Allow())
	b.RecordFailure()

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The reset timeout restarts from the failed probe.
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.Advance(5 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clock.Now)

	var transitions []string
	b.OnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	require.NoError(t, b.Allow())
	b.RecordFailure()
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}
