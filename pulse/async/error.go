package async

import (
	"context"
	"net/http"
	"strings"
	"syscall"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNetwork           ErrorCode = "network"
	ErrorCodeTimeout           ErrorCode = "timeout"
	ErrorCodeRateLimited       ErrorCode = "rate_limited"
	ErrorCodeForbidden         ErrorCode = "forbidden"
	ErrorCodeEngineUnavailable ErrorCode = "engine_unavailable"
	ErrorCodeIntegrity         ErrorCode = "integrity"
	ErrorCodeCancelled         ErrorCode = "cancelled"
	ErrorCodeDisk              ErrorCode = "disk"
	ErrorCodeUnknown           ErrorCode = "unknown"
)

// ErrorContext provides structured error information for stage failures
type ErrorContext struct {
	Stage       string    `json:"stage"`       // Where the error occurred
	Code        ErrorCode `json:"code"`        // Error classification
	Message     string    `json:"message"`     // Human-readable message
	Retryable   bool      `json:"retryable"`   // Would another attempt plausibly succeed?
	Recoverable bool      `json:"recoverable"` // Worth a manual requeue once the cause is fixed?
}

// ClassifyError categorizes a stage error. Typed causes are checked first;
// message patterns cover errors that arrive as plain text from engines.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	ec := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}
	lower := strings.ToLower(ec.Message)

	var statusErr *resilience.HTTPStatusError
	hasStatus := errors.As(err, &statusErr)

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrCancelled):
		ec.Code = ErrorCodeCancelled

	case errors.Is(err, errors.ErrIntegrity):
		ec.Code = ErrorCodeIntegrity
		ec.Recoverable = true

	case hasStatus && statusErr.StatusCode == http.StatusForbidden:
		ec.Code = ErrorCodeForbidden
		ec.Recoverable = true

	case hasStatus && statusErr.StatusCode == http.StatusTooManyRequests:
		ec.Code = ErrorCodeRateLimited
		ec.Retryable = true
		ec.Recoverable = true

	case errors.Is(err, errors.ErrServiceUnavailable) || errors.Is(err, resilience.ErrCircuitOpen) ||
		(hasStatus && statusErr.StatusCode == http.StatusServiceUnavailable):
		ec.Code = ErrorCodeEngineUnavailable
		ec.Retryable = true
		ec.Recoverable = true

	case errors.Is(err, errors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timed out"):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true
		ec.Recoverable = true

	case errors.Is(err, syscall.ENOSPC) || strings.Contains(lower, "no space left") ||
		strings.Contains(lower, "no such file") || errors.Is(err, syscall.EACCES):
		ec.Code = ErrorCodeDisk
		ec.Recoverable = true

	case resilience.IsRetryable(err) || strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		ec.Code = ErrorCodeNetwork
		ec.Retryable = true
		ec.Recoverable = true

	default:
		ec.Code = ErrorCodeUnknown
	}

	return ec
}
