package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a runtime that is briefly unavailable, a dropped coordinator link.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a workload state conflict.
	// Examples: concurrent modifications, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed workload specs, dependency cycles.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Workload is the name of the workload that caused the error, if any.
	Workload string `json:"workload,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Workload != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (workload=%s, operation=%s): %s",
			e.Class, e.Message, e.Workload, e.Operation, e.unwrapMessage())
	}
	if e.Workload != "" {
		return fmt.Sprintf("[%s] %s (workload=%s): %s",
			e.Class, e.Message, e.Workload, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
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

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithWorkload adds workload context to an error.
func (e *EngineError) WithWorkload(name string) *EngineError {
	e.Workload = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodePolicy           = "POLICY_VIOLATION"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRuntimeFailed    = "RUNTIME_FAILED"
	ErrCodeUnknownRuntime   = "UNKNOWN_RUNTIME"
	ErrCodeCommunication    = "COMMUNICATION_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)

// ErrCycleFound is wrapped by every dependency cycle rejection.
var ErrCycleFound = errors.New("dependency cycle found")

// NewConfigError creates the error returned for a rejected desired-state batch.
func NewConfigError(message string, workloads ...string) *EngineError {
	e := NewPermanentError(message, nil).WithCode(ErrCodeValidation)
	if len(workloads) == 1 {
		e.WithWorkload(workloads[0])
	}
	if len(workloads) > 0 {
		e.WithDetail("workloads", workloads)
	}
	return e
}

// NewCycleError creates a configuration error for a dependency cycle.
// cycle lists the participating workloads with the first name repeated at the end.
func NewCycleError(cycle []string) *EngineError {
	members := cycle
	if len(members) > 1 && members[0] == members[len(members)-1] {
		members = members[:len(members)-1]
	}
	return NewPermanentError(
		fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
		ErrCycleFound,
	).WithCode(ErrCodeCycle).
		WithDetail("cycle", cycle).
		WithDetail("workloads", members)
}

// NewRuntimeError wraps a failed runtime connector call.
// Runtime errors are always transient to the engine.
func NewRuntimeError(workload, operation string, err error) *EngineError {
	return NewTransientError("runtime call failed", err).
		WithCode(ErrCodeRuntimeFailed).
		WithWorkload(workload).
		WithOperation(operation)
}

// NewCommunicationError wraps a failed upstream delivery.
func NewCommunicationError(operation string, err error) *EngineError {
	return NewTransientError("upstream unavailable", err).
		WithCode(ErrCodeCommunication).
		WithOperation(operation)
}

// IsConfigError reports whether err rejected a desired-state batch.
func IsConfigError(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent &&
			(e.Code == ErrCodeValidation || e.Code == ErrCodeCycle ||
				e.Code == ErrCodePolicy || e.Code == ErrCodeUnknownRuntime)
	}
	return false
}

// ErrorWorkloads returns the workload names attached to a classified error.
func ErrorWorkloads(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) {
		return nil
	}
	if names, ok := e.Details["workloads"].([]string); ok {
		return names
	}
	if e.Workload != "" {
		return []string{e.Workload}
	}
	return nil
}

// ErrorCode returns the code of a classified error, or ErrCodeInternal.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}
