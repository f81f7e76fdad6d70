// Package apperr provides structured error handling for contextd.
//
// Every error that crosses a component boundary is an *Error carrying one of
// the enumerated kinds. Provider- and driver-specific error types never
// escape the package that produced them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP status mapping.
type Kind string

const (
	// KindInvalidInput indicates a validation failure. Never retried.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindNotFound indicates the referenced entity does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindForbidden indicates the caller does not own the entity.
	KindForbidden Kind = "FORBIDDEN"
	// KindConflict indicates a version mismatch on graph writes.
	KindConflict Kind = "CONFLICT"
	// KindUnavailable indicates the store or a provider is unreachable.
	KindUnavailable Kind = "UNAVAILABLE"
	// KindDeadlineExceeded indicates a stage timeout.
	KindDeadlineExceeded Kind = "DEADLINE_EXCEEDED"
	// KindPartialEnrichment indicates enrichment degraded to fallbacks.
	KindPartialEnrichment Kind = "PARTIAL_ENRICHMENT"
	// KindBackpressure indicates the enrichment queue is saturated.
	KindBackpressure Kind = "BACKPRESSURE"
	// KindInternal indicates an unexpected internal error.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured error type for contextd.
type Error struct {
	// Kind is the enumerated error kind.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error. Returns the error for
// method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind from an existing error.
// Returns nil when err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// InvalidInput creates a validation error.
func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

// NotFound creates a not-found error for an entity.
func NotFound(entity, id string) *Error {
	return Newf(KindNotFound, "%s %q not found", entity, id).WithDetail("id", id)
}

// Forbidden creates an ownership violation error.
func Forbidden(message string) *Error {
	return New(KindForbidden, message)
}

// Unavailable creates an error indicating the store or a provider is down.
func Unavailable(message string) *Error {
	return New(KindUnavailable, message)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for non-contextd errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the operation that produced err may be retried.
// Only transient kinds are retryable; validation failures never are.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindDeadlineExceeded:
		return true
	default:
		return false
	}
}
