// Package errs provides structured error types and helpers for streamcore services.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a failure category within the distribution core.
type Code string

const (
	// CodeRateLimited indicates that admission was denied by a rate limiter.
	CodeRateLimited Code = "rate_limited"
	// CodeCircuitOpen indicates the call was rejected by an open circuit breaker.
	CodeCircuitOpen Code = "circuit_open"
	// CodeTimeout indicates a single attempt exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeMaxRetries indicates the retry budget was exhausted.
	CodeMaxRetries Code = "max_retries"
	// CodeQueueFull indicates a bounded queue rejected an enqueue.
	CodeQueueFull Code = "queue_full"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUpstream indicates an upstream-side failure response.
	CodeUpstream Code = "upstream_error"
	// CodeUnavailable indicates the component is shut down or unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the streamcore stack.
type E struct {
	Scope    string
	Code     Code
	HTTP     int
	Attempts int
	Message  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:    strings.TrimSpace(scope),
		Code:     code,
		HTTP:     0,
		Attempts: 0,
		Message:  "",
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithAttempts records how many attempts were made before the error surfaced.
func WithAttempts(attempts int) Option {
	return func(e *E) {
		e.Attempts = attempts
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Attempts > 0 {
		parts = append(parts, "attempts="+strconv.Itoa(e.Attempts))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the streamcore error code from err, walking the cause chain.
func CodeOf(err error) Code {
	for err != nil {
		if envelope, ok := err.(*E); ok {
			return envelope.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// IsTransient reports whether err belongs to a failure class worth retrying.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeNetwork, CodeUpstream:
		return true
	default:
		return false
	}
}
