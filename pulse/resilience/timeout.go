package resilience

import (
	"context"
	"time"

	"github.com/gustavoali/ytrag/errors"
)

// WithTimeout runs fn with a deadline. When the deadline passes first, the
// call's context is cancelled and a retryable ErrTimeout is returned without
// waiting for fn to notice. A zero duration disables the limit.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := withTimeoutValue(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	v        T
	err      error
	panicked any
}

// withTimeoutValue is WithTimeout for calls that produce a value. The value
// travels with its error through the channel, so a call that outlives its
// deadline shares no memory with the caller. A panic in fn is raised again
// on the calling goroutine when it arrives before the deadline.
func withTimeoutValue[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result[T]{panicked: p}
			}
		}()
		v, err := fn(callCtx)
		done <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.panicked != nil {
			panic(r.panicked)
		}
		if r.err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, errors.Mark(errors.Wrapf(r.err, "call exceeded %s", d), errors.ErrTimeout)
		}
		return r.v, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled, not a timeout
			return zero, ctx.Err()
		}
		return zero, errors.Mark(errors.Newf("call exceeded %s", d), errors.ErrTimeout)
	}
}
