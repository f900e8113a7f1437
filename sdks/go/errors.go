package guardrails

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrContentBlocked is returned when a guardrail blocks the content.
	ErrContentBlocked = errors.New("content blocked")

	// ErrRateLimited is returned when the server denies the request for
	// traffic reasons.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerUnreachable is returned when the guardrail server cannot be
	// contacted and the fail mode is "closed".
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned for non-2xx responses that carry no richer meaning.
// The raw body is preserved for diagnostics.
type APIError struct {
	// StatusCode is the HTTP status the server returned.
	StatusCode int
	// Body is the raw response body.
	Body []byte
}

// Error returns the error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("guardrails: server returned %d: %s", e.StatusCode, string(e.Body))
}

// ContentBlockedError is returned when a pre-filter guardrail blocks the
// content. It carries the full outcome with every checker verdict.
type ContentBlockedError struct {
	// Outcome is the guardrail verdict that produced the block.
	Outcome Outcome
}

// Error returns a human-readable description of the block.
func (e *ContentBlockedError) Error() string {
	if e.Outcome.BlockedBy != "" {
		return fmt.Sprintf("content blocked by %s guardrail", e.Outcome.BlockedBy)
	}
	return "content blocked"
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrContentBlocked).
func (e *ContentBlockedError) Is(target error) bool {
	return target == ErrContentBlocked
}

// RateLimitedError is returned when the server denies the request for
// traffic reasons: a rolling window limit, a blocked identity, geo or
// business-hours rules, or a declared size cap.
type RateLimitedError struct {
	// Reason classifies the denial (e.g. "per_minute", "blocked").
	Reason string
	// Message is the server's human-readable explanation.
	Message string
	// RetryAfter is the wait suggested by the server, zero when the denial
	// is not time-based.
	RetryAfter time.Duration
}

// Error returns a human-readable description of the denial.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%s), retry after %s", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (%s)", e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerUnreachableError is returned when the guardrail server cannot be
// contacted.
type ServerUnreachableError struct {
	// Cause is the underlying error.
	Cause error
}

// Error returns a human-readable description of the failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
