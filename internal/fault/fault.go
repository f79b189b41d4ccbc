// Package fault defines the error taxonomy shared by the orchestration
// runtime. Components wrap one of the sentinel errors with context
// (fmt.Errorf("...: %w", fault.ErrNotFound)) and callers classify with
// [KindOf] or errors.Is.
package fault

import (
	"context"
	"errors"
)

// Sentinel errors. Each maps to exactly one [Kind].
var (
	// ErrNotFound means a session or record is absent or expired. The
	// caller must re-establish its session.
	ErrNotFound = errors.New("not found")

	// ErrTimeout means an upstream specialist exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrTransient is a retryable infrastructure error.
	ErrTransient = errors.New("transient failure")

	// ErrInvalid is a malformed request. Never retried.
	ErrInvalid = errors.New("invalid request")

	// ErrFatal is a storage durability failure. The triggering
	// operation is not complete.
	ErrFatal = errors.New("fatal storage failure")

	// ErrFailed means a specialist call exhausted its retries.
	ErrFailed = errors.New("failed")
)

// Kind names an error class for logs, metrics, and API responses.
type Kind string

// Error kinds.
const (
	KindNone      Kind = ""
	KindNotFound  Kind = "not_found"
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindInvalid   Kind = "invalid"
	KindFatal     Kind = "fatal"
	KindFailed    Kind = "failed"
	KindCanceled  Kind = "canceled"
	KindUnknown   Kind = "unknown"
)

// KindOf classifies err. A context deadline counts as a timeout.
// ErrFailed is checked last so a failure that wraps its cause still
// reports as failed rather than as the underlying kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrFailed):
		return KindFailed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// Retryable reports whether err is worth retrying: timeouts and
// transient infrastructure errors only.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// RetryLater reports whether a caller-visible error means "try again
// later" as opposed to "fix your input" or "start over".
func RetryLater(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient, KindFailed, KindFatal:
		return true
	default:
		return false
	}
}
