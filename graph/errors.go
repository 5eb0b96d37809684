package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error for propagation and retry decisions.
type ErrorKind string

const (
	// KindValidation marks an illegal graph or message. Never retried.
	KindValidation ErrorKind = "validation"

	// KindExecution marks an invariant violation during a run.
	KindExecution ErrorKind = "execution"

	// KindLookup marks a missing node or tool.
	KindLookup ErrorKind = "lookup"

	// KindTool marks a tool invocation failure. Recoverable.
	KindTool ErrorKind = "tool"

	// KindNetwork marks a transport failure. Recoverable.
	KindNetwork ErrorKind = "network"

	// KindTimeout marks a bounded wait that expired. Recoverable.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimit marks an upstream throttle. Recoverable.
	KindRateLimit ErrorKind = "rate_limit"

	// KindRetryable marks an otherwise unclassified transient failure.
	KindRetryable ErrorKind = "retryable"

	// KindSecurity marks an authorization failure. Surfaced immediately.
	KindSecurity ErrorKind = "security"

	// KindCancelled marks cooperative cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// Error is the structured error used throughout the engine. It carries a
// kind for classification, a machine-readable code, and a string context map
// that refinements accumulate into.
//
// Error values are treated as immutable: WithContext returns a copy.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Context map[string]string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// WithContext returns a copy of the error with one context entry added.
func (e *Error) WithContext(key, value string) *Error {
	out := &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Context: make(map[string]string, len(e.Context)+1),
	}
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return out
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(cause error) *Error {
	out := e.WithContext("cause", fmt.Sprint(cause))
	out.Err = cause
	return out
}

// Recoverable reports whether the error belongs to the transient subset that
// the retry supervisor and recovery middleware may act on.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindTool, KindNetwork, KindTimeout, KindRateLimit, KindRetryable:
		return true
	}
	return false
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NewValidationError creates a non-recoverable validation error.
func NewValidationError(code, message string) *Error {
	return newError(KindValidation, code, message)
}

// NewExecutionError creates a non-recoverable execution error.
func NewExecutionError(code, message string) *Error {
	return newError(KindExecution, code, message)
}

// NewLookupError creates an error for a missing node or tool.
func NewLookupError(code, message string) *Error {
	return newError(KindLookup, code, message)
}

// NewToolError creates a recoverable tool failure.
func NewToolError(code, message string) *Error {
	return newError(KindTool, code, message)
}

// NewNetworkError creates a recoverable transport failure.
func NewNetworkError(code, message string) *Error {
	return newError(KindNetwork, code, message)
}

// NewTimeoutError creates a recoverable timeout failure.
func NewTimeoutError(code, message string) *Error {
	return newError(KindTimeout, code, message)
}

// NewRateLimitError creates a recoverable throttle failure.
func NewRateLimitError(code, message string) *Error {
	return newError(KindRateLimit, code, message)
}

// NewRetryableError creates a recoverable transient failure.
func NewRetryableError(code, message string) *Error {
	return newError(KindRetryable, code, message)
}

// NewSecurityError creates a non-recoverable authorization failure.
func NewSecurityError(code, message string) *Error {
	return newError(KindSecurity, code, message)
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(code, message string) *Error {
	return newError(KindCancelled, code, message)
}

// NewToolLookupError creates the lookup error produced when a resolver
// cannot find a tool by name and namespace.
func NewToolLookupError(name, namespace string) *Error {
	return NewLookupError("TOOL_NOT_FOUND",
		fmt.Sprintf("tool %q not found in namespace %q", name, namespace)).
		WithContext("tool", name).
		WithContext("namespace", namespace)
}

// AsError unwraps err to the structured *Error it carries, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Recoverable reports whether err carries a recoverable structured error.
// Plain errors are treated as non-recoverable.
func Recoverable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Recoverable()
	}
	return false
}

// KindOf returns the kind of the structured error inside err, or the empty
// kind for plain errors.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}
