package async

import (
	"strings"

	"github.com/teranos/hrpulse/errors"
)

// ErrPermanent marks an error that retrying cannot fix. The worker pool
// fails a job immediately when its handler returns an error carrying this
// mark, without consuming retry budget.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err as non-retryable. The message is unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNotFound      ErrorCode = "not_found"
	ErrorCodeParseError    ErrorCode = "parse_error"
	ErrorCodeNetworkError  ErrorCode = "network_error"
	ErrorCodeDatabaseError ErrorCode = "database_error"
	ErrorCodeConfigError   ErrorCode = "config_error"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Will the queue retry it?
}

// ClassifyError categorizes an error for log enrichment. Retryability is
// decided by the Permanent mark alone; the code is a best-effort label.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	ctx := ErrorContext{
		Stage:     stage,
		Message:   msg,
		Retryable: !IsPermanent(err),
	}

	switch {
	case errors.IsNotFoundError(err) || strings.Contains(lower, "not found"):
		ctx.Code = ErrorCodeNotFound
	case strings.Contains(lower, "template") || strings.Contains(lower, "not configured") || strings.Contains(lower, "no recruiter"):
		ctx.Code = ErrorCodeConfigError
	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		ctx.Code = ErrorCodeTimeout
	case strings.Contains(lower, "parse") || strings.Contains(lower, "unmarshal") || strings.Contains(lower, "decode"):
		ctx.Code = ErrorCodeParseError
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "smtp") || strings.Contains(lower, "dial"):
		ctx.Code = ErrorCodeNetworkError
	case strings.Contains(lower, "database") || strings.Contains(lower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
