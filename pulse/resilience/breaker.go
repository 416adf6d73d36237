package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/gustavoali/ytrag/errors"
)

// ErrCircuitOpen is returned without calling through while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after Threshold consecutive failures, fails fast for
// Cooldown, then admits a single probe. A successful probe closes it again;
// a failed one reopens it.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	timeNow       func() time.Time
	onStateChange func(name string, from, to BreakerState)
}

// NewCircuitBreaker creates a breaker with real time
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithClock(name, threshold, cooldown, time.Now)
}

// NewCircuitBreakerWithClock creates a breaker with injectable clock (for testing)
func NewCircuitBreakerWithClock(name string, threshold int, cooldown time.Duration, timeNow func() time.Time) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		timeNow:   timeNow,
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on every transition.
func (b *CircuitBreaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// State returns the current state, moving open to half-open once the cooldown elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.timeNow().Sub(b.openedAt) >= b.cooldown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Success or Failure.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		remaining := b.cooldown - b.timeNow().Sub(b.openedAt)
		if remaining > 0 {
			err := errors.Wrapf(ErrCircuitOpen, "%s", b.name)
			return errors.WithDetail(err, fmt.Sprintf("Retry in: %s", remaining.Round(time.Millisecond)))
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return errors.WithDetail(errors.Wrapf(ErrCircuitOpen, "%s", b.name), "Probe already in flight")
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Success records a healthy call.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Failure records a failed call.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.timeNow()
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.timeNow()
			b.transition(StateOpen)
		}
	}
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition is called with b.mu held
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.onStateChange != nil && from != to {
		b.onStateChange(b.name, from, to)
	}
}
