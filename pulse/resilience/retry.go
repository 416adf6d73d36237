// Package resilience wraps individual external calls with retry/backoff,
// a circuit breaker, a timeout and an optional rate limit.
//
// Policies wrap single calls (a download, a metadata fetch, an engine probe),
// never whole stages or jobs:
//
//	path, err := resilience.Call(ctx, policies.For("download"), func(ctx context.Context) (string, error) {
//	    return downloader.Download(ctx, externalID, onProgress)
//	}, resilience.OnRetry(markRetrying))
package resilience

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gustavoali/ytrag/errors"
)

// ErrRetriesExhausted marks an error returned after the last allowed attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrTransient lets collaborators mark an error as worth retrying when no
// network or HTTP status information is available.
var ErrTransient = errors.New("transient failure")

// HTTPStatusError carries the status code of a failed HTTP call.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.URL != "" {
		msg += " from " + e.URL
	}
	return msg
}

// IsRetryable reports whether err is a transient failure: connection errors,
// timeouts, and HTTP 408/429/503. HTTP 403 and other statuses propagate
// immediately, as do cancellation and an open circuit.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrCancelled) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, errors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryPolicy retries a call with exponential backoff: the delay after
// attempt n is Unit × Base^n.
type RetryPolicy struct {
	MaxAttempts int
	Base        float64
	Unit        time.Duration
	// Retryable overrides IsRetryable when set
	Retryable func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 3 attempts with 2s then 4s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 2, Unit: time.Second}
}

// Delay returns the wait after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base < 1 {
		base = 2
	}
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	return time.Duration(math.Pow(base, float64(attempt)) * float64(unit))
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) isRetryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRetryable(err)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. onRetry, if non-nil, runs before each backoff sleep.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	max := p.maxAttempts()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Mark(errors.Wrap(err, "call abandoned before attempt"), errors.ErrCancelled)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.isRetryable(err) {
			return err
		}
		if attempt >= max {
			return errors.Mark(errors.Wrapf(err, "giving up after %d attempts", attempt), ErrRetriesExhausted)
		}

		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return errors.Mark(errors.Wrap(err, "cancelled during backoff"), errors.ErrCancelled)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
