package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/gustavoali/ytrag/errors"
)

// Limiter spaces out calls to one collaborator. A nil *Limiter never waits.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows perMinute calls per minute with a burst of one.
// perMinute <= 0 returns nil (unlimited).
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)}
}

// Wait blocks until the next call is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait")
	}
	return nil
}
