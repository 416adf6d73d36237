package resilience

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustavoali/ytrag/errors"
)

func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"503", &HTTPStatusError{StatusCode: 503}, true},
		{"429", &HTTPStatusError{StatusCode: 429}, true},
		{"408", &HTTPStatusError{StatusCode: 408}, true},
		{"wrapped 503", errors.Wrap(&HTTPStatusError{StatusCode: 503}, "download"), true},
		{"403 is not retryable", &HTTPStatusError{StatusCode: 403}, false},
		{"404", &HTTPStatusError{StatusCode: 404}, false},
		{"500", &HTTPStatusError{StatusCode: 500}, false},
		{"timeout sentinel", errors.Mark(errors.New("slow"), errors.ErrTimeout), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection refused", errors.Wrap(syscall.ECONNREFUSED, "dial"), true},
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"unexpected EOF", errors.Wrap(io.ErrUnexpectedEOF, "body"), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, true},
		{"transient marker", errors.Mark(errors.New("engine busy"), ErrTransient), true},
		{"cancelled", errors.Wrap(context.Canceled, "stage"), false},
		{"circuit open", errors.Wrap(ErrCircuitOpen, "download"), false},
		{"plain error", errors.New("malformed response"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDelayIsBaseToTheAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))

	p = RetryPolicy{Base: 3, Unit: time.Millisecond}
	assert.Equal(t, 9*time.Millisecond, p.Delay(2))
}

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	p := RetryPolicy{MaxAttempts: 3, Base: 2, Unit: time.Second, sleep: noSleep(&slept)}

	calls := 0
	var retries []int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 503}
		}
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	p := RetryPolicy{MaxAttempts: 3, Base: 2, Unit: time.Second, sleep: noSleep(&slept)}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 503}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr), "the last cause stays inspectable")
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Len(t, slept, 2)
}

func TestRetryPolicy_ForbiddenPropagatesImmediately(t *testing.T) {
	var slept []time.Duration
	p := RetryPolicy{MaxAttempts: 5, Base: 2, Unit: time.Second, sleep: noSleep(&slept)}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 403}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
	assert.Empty(t, slept)
}

func TestRetryPolicy_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 3, Base: 2, Unit: time.Hour}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 503}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
}

func TestRetryPolicy_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 503}
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
