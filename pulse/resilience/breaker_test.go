package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustavoali/ytrag/errors"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreakerWithClock("download", 5, 30*time.Second, clock.Now)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 4, b.Failures())

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	b := NewCircuitBreaker("x", 3, time.Second)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State(), "failures must be consecutive")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreakerWithClock("whisper", 1, 30*time.Second, clock.Now)

	var transitions []string
	b.OnStateChange(func(_ string, from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	b.Failure()
	require.Error(t, b.Allow())

	clock.Advance(29 * time.Second)
	require.Error(t, b.Allow(), "still cooling down")

	clock.Advance(time.Second)
	require.NoError(t, b.Allow(), "first call after cooldown is the probe")
	assert.Equal(t, StateHalfOpen, b.State())
	require.Error(t, b.Allow(), "only one probe at a time")

	// Failed probe reopens for a full cooldown
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(10 * time.Second)
	require.Error(t, b.Allow())

	clock.Advance(20 * time.Second)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed",
	}, transitions)
}
