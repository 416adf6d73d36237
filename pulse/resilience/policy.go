package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/logger"
)

// Policy composes rate limit → retry → circuit breaker → timeout around one
// call site. Every attempt passes through the limiter, the breaker and its
// own timeout.
type Policy struct {
	Name    string
	Retry   RetryPolicy
	Breaker *CircuitBreaker
	Timeout time.Duration
	Limiter *Limiter

	logger *zap.SugaredLogger
}

// CallOption customizes a single Do call.
type CallOption func(*callConfig)

type callConfig struct {
	onRetry func(attempt int, delay time.Duration, err error)
}

// OnRetry registers a hook invoked before each backoff sleep.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) CallOption {
	return func(c *callConfig) {
		c.onRetry = fn
	}
}

// Do runs fn under the policy.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error, opts ...CallOption) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Call runs fn under p and returns its value. Only the attempt whose result
// was accepted sets the return value; an attempt abandoned by its timeout
// can finish later without touching it.
func Call[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var cfg callConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	onRetry := func(attempt int, delay time.Duration, err error) {
		if p.logger != nil {
			p.logger.Infow("Retrying external call",
				"call", p.Name,
				logger.FieldAttempt, attempt,
				logger.FieldDelay, delay,
				logger.FieldError, err)
		}
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, delay, err)
		}
	}

	var out T
	err := p.Retry.Do(ctx, func(ctx context.Context) error {
		if err := p.Limiter.Wait(ctx); err != nil {
			return err
		}
		if p.Breaker != nil {
			if err := p.Breaker.Allow(); err != nil {
				return err
			}
		}

		v, err := withTimeoutValue(ctx, p.Timeout, fn)

		if p.Breaker != nil {
			// Only transient failures say the collaborator is unhealthy
			if err != nil && IsRetryable(err) {
				p.Breaker.Failure()
			} else {
				p.Breaker.Success()
			}
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	}, onRetry)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// PolicySet hands out one Policy per call site. Policies share settings but
// each has its own breaker and limiter, so a failing transcription engine
// never trips the download breaker.
type PolicySet struct {
	cfg    am.ResilienceConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	policies map[string]*Policy
}

// NewPolicySet builds policies from the [resilience] config section.
// Zero values fall back to the defaults (3 attempts, base 2, breaker 5/30s, timeout 30s).
func NewPolicySet(cfg am.ResilienceConfig, logger *zap.SugaredLogger) *PolicySet {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 2
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldownSeconds == 0 {
		cfg.BreakerCooldownSeconds = 30
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 30
	}
	return &PolicySet{cfg: cfg, logger: logger, policies: make(map[string]*Policy)}
}

// For returns the policy for a call site, creating it on first use.
func (s *PolicySet) For(name string) *Policy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.policies[name]; ok {
		return p
	}

	breaker := NewCircuitBreaker(name, s.cfg.BreakerThreshold, time.Duration(s.cfg.BreakerCooldownSeconds)*time.Second)
	log := s.logger
	breaker.OnStateChange(func(name string, from, to BreakerState) {
		log.Warnw("Circuit breaker state changed", "call", name, "from", from.String(), "to", to.String())
	})

	timeout := s.cfg.TimeoutSeconds
	if secs, ok := s.cfg.CallTimeoutSeconds[name]; ok && secs > 0 {
		timeout = secs
	}

	p := &Policy{
		Name:    name,
		Retry:   RetryPolicy{MaxAttempts: s.cfg.MaxAttempts, Base: s.cfg.BackoffBase, Unit: time.Second},
		Breaker: breaker,
		Timeout: time.Duration(timeout) * time.Second,
		Limiter: NewLimiter(s.cfg.RatePerMinute),
		logger:  s.logger,
	}
	s.policies[name] = p
	return p
}

// MaxAttempts is the per-call attempt budget shared by every policy in the set.
func (s *PolicySet) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// Override replaces the policy for a call site. Used by tests and by callers
// that need a different budget for one collaborator.
func (s *PolicySet) Override(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.logger == nil {
		p.logger = s.logger
	}
	s.policies[p.Name] = p
}
