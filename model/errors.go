package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrResponseValidation = "RESPONSE_VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrCancelled          = "CANCELLED"
)

// Composition error codes.
const (
	ErrDownstream         = "DOWNSTREAM_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrStreaming          = "STREAMING_ERROR"
)

// StatusClientClosedRequest is reported when the caller went away before the
// operation finished.
const StatusClientClosedRequest = 499

// OperationError is the typed failure value returned by operations, the
// invocation bridge and data-source requests. It implements the error
// interface and is what the transport renders inside {"error": ...}.
type OperationError struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	StatusCode int          `json:"statusCode"`
	Namespace  string       `json:"namespace,omitempty"`
	Details    []FieldError `json:"details,omitempty"`
	TraceID    string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Namespace, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *OperationError) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of e that wraps cause.
func (e *OperationError) WithCause(cause error) *OperationError {
	cp := *e
	cp.cause = cause
	return &cp
}

// Status returns the HTTP status for the error, defaulting to 500.
func (e *OperationError) Status() int {
	if e.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// FieldError describes a field-level validation error. Field is a dotted
// property path into the input ("address.city", "tags[2]").
type FieldError struct {
	Field        string `json:"field"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	InvalidValue any    `json:"invalidValue,omitempty"`
}

// NewOperationError returns a domain-specific error raised by an operation handler.
func NewOperationError(code, msg string, status int) *OperationError {
	return &OperationError{Code: code, Message: msg, StatusCode: status}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *OperationError {
	return &OperationError{Code: ErrBadRequest, Message: msg, StatusCode: http.StatusBadRequest}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *OperationError {
	return &OperationError{
		Code:       ErrValidationError,
		Message:    "One or more fields are invalid",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// NewAuthenticationError returns an UNAUTHORIZED error for requests without
// a verified principal.
func NewAuthenticationError(msg string) *OperationError {
	return &OperationError{Code: ErrUnauthorized, Message: msg, StatusCode: http.StatusUnauthorized}
}

// NewAuthorizationError returns a FORBIDDEN error for principals that fail
// the operation's role rules.
func NewAuthorizationError(msg string) *OperationError {
	return &OperationError{Code: ErrForbidden, Message: msg, StatusCode: http.StatusForbidden}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *OperationError {
	return &OperationError{Code: ErrNotFound, Message: msg, StatusCode: http.StatusNotFound}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *OperationError {
	return &OperationError{Code: ErrConflict, Message: msg, StatusCode: http.StatusConflict}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError(msg string) *OperationError {
	if msg == "" {
		msg = "An unexpected error occurred"
	}
	return &OperationError{Code: ErrInternalError, Message: msg, StatusCode: http.StatusInternalServerError}
}

// NewResponseValidationError is returned when a handler produced data that
// does not satisfy the declared response schema.
func NewResponseValidationError(details []FieldError) *OperationError {
	return &OperationError{
		Code:       ErrResponseValidation,
		Message:    "Operation response does not match its schema",
		StatusCode: http.StatusInternalServerError,
		Details:    details,
	}
}

// NewDownstreamError returns a DOWNSTREAM_ERROR tagged with the namespace of
// the data source that failed. Upstream 4xx/5xx statuses are preserved;
// anything else maps to 502.
func NewDownstreamError(namespace string, status int, msg string, cause error) *OperationError {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &OperationError{
		Code:       ErrDownstream,
		Message:    msg,
		StatusCode: status,
		Namespace:  namespace,
		cause:      cause,
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error for a
// namespace whose circuit is open.
func NewBackendUnavailableError(namespace string) *OperationError {
	return &OperationError{
		Code:       ErrBackendUnavailable,
		Message:    "The backend service is temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Namespace:  namespace,
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError(namespace string) *OperationError {
	return &OperationError{
		Code:       ErrBackendTimeout,
		Message:    "The backend service did not respond in time",
		StatusCode: http.StatusGatewayTimeout,
		Namespace:  namespace,
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError(namespace string) *OperationError {
	return &OperationError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
		Namespace:  namespace,
	}
}

// NewStreamingError returns the terminal error of a subscription whose
// producer failed.
func NewStreamingError(cause error) *OperationError {
	msg := "subscription terminated"
	if cause != nil {
		msg = cause.Error()
	}
	return &OperationError{
		Code:       ErrStreaming,
		Message:    msg,
		StatusCode: http.StatusInternalServerError,
		cause:      cause,
	}
}

// NewCancelledError is returned when the caller's context ended first.
func NewCancelledError(cause error) *OperationError {
	return &OperationError{
		Code:       ErrCancelled,
		Message:    "request cancelled",
		StatusCode: StatusClientClosedRequest,
		cause:      cause,
	}
}

// AsOperationError converts any error into an *OperationError. Typed errors
// anywhere in the chain are returned as-is, context errors become
// CANCELLED or BACKEND_TIMEOUT, and everything else is an INTERNAL_ERROR
// that keeps err as its cause.
func AsOperationError(err error) *OperationError {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewCancelledError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewBackendTimeoutError("").WithCause(err)
	}
	return NewInternalError("").WithCause(err)
}

// IsCode reports whether err is an *OperationError with the given code.
func IsCode(err error, code string) bool {
	var oe *OperationError
	return errors.As(err, &oe) && oe.Code == code
}
