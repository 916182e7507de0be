// Package engine provides the core of the opsdeck backend: the plugin
// registry with per-plugin circuit breaking and caching, the asynchronous
// execution orchestrator, the live-output stream broadcaster, and the
// multi-source aggregation router.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: connection resets, upstream timeouts, circuit cooldowns.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassUnreachable indicates a per-target outcome: the node could not
	// be reached. This is a normal execution result, never a plugin failure.
	ErrorClassUnreachable ErrorClass = "unreachable"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, unknown execution, policy denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Plugin is the plugin name that produced the error, if applicable.
	Plugin string `json:"plugin,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Plugin != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (plugin=%s, operation=%s): %s",
			e.Code, e.Message, e.Plugin, e.Operation, e.unwrapMessage())
	}
	if e.Plugin != "" {
		return fmt.Sprintf("[%s] %s (plugin=%s): %s", e.Code, e.Message, e.Plugin, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Error codes surfaced to callers. These map one-to-one onto the error
// taxonomy the API layer returns.
const (
	ErrCodeValidation          = "VALIDATION"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeTargetUnreachable   = "TARGET_UNREACHABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeInternal            = "INTERNAL"
)

// NewValidationError creates a permanent error for invalid caller input.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewNotFoundError creates a permanent error for an unknown node, execution, or task.
func NewNotFoundError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: message, Err: err}
}

// NewUnavailableError creates a transient error for an unreachable or failing backend.
func NewUnavailableError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Code: ErrCodeUpstreamUnavailable, Message: message, Err: err}
}

// NewUnreachableError creates a per-target unreachable outcome error.
// This never counts as a plugin failure for circuit-breaking purposes.
func NewUnreachableError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassUnreachable, Code: ErrCodeTargetUnreachable, Message: message, Err: err}
}

// NewTimeoutError creates a terminal timeout error for an execution.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTimeout, Message: message, Err: err}
}

// NewCircuitOpenError creates the fail-fast error returned while a plugin's
// circuit is open.
func NewCircuitOpenError(plugin string) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Code:    ErrCodeCircuitOpen,
		Message: "circuit breaker is open",
		Plugin:  plugin,
	}
}

// NewInternalError creates an unexpected internal error. Internal errors are
// always surfaced, never silently swallowed.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInternal, Message: message, Err: err}
}

// WithPlugin adds plugin context to an error.
func (e *EngineError) WithPlugin(name string) *EngineError {
	e.Plugin = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the engine error code for err, or ErrCodeInternal when the
// error carries no classification.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable returns true if the error may succeed on retry.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsUnreachable returns true if the error is a per-target unreachable outcome.
func IsUnreachable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnreachable
	}
	return false
}

// IsCircuitOpen returns true if the error is the circuit-open fail-fast error.
func IsCircuitOpen(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeCircuitOpen
	}
	return false
}

// CountsAsPluginFailure reports whether an error from a plugin call should
// advance that plugin's circuit breaker. Well-formed unreachable outcomes and
// not-found lookups are normal results, not plugin failures.
func CountsAsPluginFailure(err error) bool {
	if err == nil {
		return false
	}
	return !IsUnreachable(err) && !IsNotFound(err)
}
