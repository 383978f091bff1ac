// Package workflowerr implements the error taxonomy for the saga
// orchestration runtime: a structured error carrying a stable code,
// a human message and optional details, the same shape the teacher
// codebase uses for its service errors.
package workflowerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the error kinds named in the runtime's error
// handling design.
type Code string

const (
	// CodeInvalidInput covers an unknown template, a saga id conflict,
	// an unknown blackboard namespace, or missing required data.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeTimeout covers a step exceeding its budget or a saga
	// exceeding its template's max_duration.
	CodeTimeout Code = "TIMEOUT"
	// CodeRetryExhausted covers a step failing more than its
	// configured retries.
	CodeRetryExhausted Code = "RETRY_EXHAUSTED"
	// CodeCompensationFailure covers a compensation action itself
	// failing.
	CodeCompensationFailure Code = "COMPENSATION_FAILURE"
	// CodeCapacityExceeded covers the concurrent-saga cap being
	// reached at admission.
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	// CodeDependencyViolation covers a broken template DAG invariant;
	// always a programming/configuration error, never transient.
	CodeDependencyViolation Code = "DEPENDENCY_VIOLATION"
	// CodeStagePropagated wraps a stage-reported failure unchanged.
	CodeStagePropagated Code = "STAGE_PROPAGATED"
)

// Error is a structured runtime error: a stable code, a message, the
// HTTP status an (out-of-scope) API surface would report, and optional
// details for callers that want structured context.
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to the error and returns it for
// chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no wrapped cause.
func New(code Code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates an Error that wraps an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// InvalidInput reports an InvalidInput error for the named field/reason.
func InvalidInput(field, reason string) *Error {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// UnknownTemplate reports that a saga referenced a template that was
// never registered.
func UnknownTemplate(name string) *Error {
	return New(CodeInvalidInput, "unknown template", http.StatusBadRequest).
		WithDetails("template_name", name)
}

// UnknownNamespace reports that the blackboard was asked to operate on a
// namespace outside the fixed enumeration.
func UnknownNamespace(ns string) *Error {
	return New(CodeInvalidInput, "unknown blackboard namespace", http.StatusBadRequest).
		WithDetails("namespace", ns)
}

// SagaConflict reports that a non-terminal saga already exists for the
// given saga id.
func SagaConflict(sagaID string) *Error {
	return New(CodeInvalidInput, "saga id already running", http.StatusConflict).
		WithDetails("saga_id", sagaID)
}

// StepTimeout reports a step exceeding its configured timeout.
func StepTimeout(stepID string) *Error {
	return New(CodeTimeout, "step timed out", http.StatusGatewayTimeout).
		WithDetails("step", stepID)
}

// SagaTimeout reports a saga exceeding its template's max_duration.
func SagaTimeout(sagaID string) *Error {
	return New(CodeTimeout, "saga exceeded max duration", http.StatusGatewayTimeout).
		WithDetails("saga_id", sagaID)
}

// RetryExhausted reports a step that failed more times than its
// configured retry budget allows.
func RetryExhausted(stepID string, attempts int, cause error) *Error {
	return Wrap(CodeRetryExhausted, "retries exhausted", http.StatusServiceUnavailable, cause).
		WithDetails("step", stepID).
		WithDetails("attempts", attempts)
}

// CompensationFailure reports a compensation action that itself failed.
func CompensationFailure(stepID, action string, cause error) *Error {
	return Wrap(CodeCompensationFailure, "compensation action failed", http.StatusInternalServerError, cause).
		WithDetails("step", stepID).
		WithDetails("action", action)
}

// CapacityExceeded reports the engine refusing admission because
// max_concurrent_workflows was reached.
func CapacityExceeded(limit int) *Error {
	return New(CodeCapacityExceeded, "concurrent workflow capacity exceeded", http.StatusTooManyRequests).
		WithDetails("max_concurrent_workflows", limit)
}

// DependencyViolation reports a broken template DAG invariant.
func DependencyViolation(templateName, reason string) *Error {
	return New(CodeDependencyViolation, "template dependency violation", http.StatusInternalServerError).
		WithDetails("template_name", templateName).
		WithDetails("reason", reason)
}

// StagePropagated wraps a stage-reported failure, carrying its message
// unchanged per the propagation policy.
func StagePropagated(stepID, message string) *Error {
	return New(CodeStagePropagated, message, http.StatusBadGateway).
		WithDetails("step", stepID)
}

// As extracts an *Error from err's chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether err's chain contains an *Error with the given code.
func Is(err error, code Code) bool {
	e := As(err)
	return e != nil && e.Code == code
}
