// Package errors provides structured error types and response helpers for the API.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildmaster/internal/auth"
	"github.com/narvanalabs/buildmaster/internal/history"
	"github.com/narvanalabs/buildmaster/internal/scheduler"
	"github.com/narvanalabs/buildmaster/internal/slave"
	"github.com/narvanalabs/buildmaster/internal/source"
	"github.com/narvanalabs/buildmaster/internal/validation"
)

// Error codes for structured API responses.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeConflict        = "CONFLICT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeNotImplemented  = "NOT_IMPLEMENTED"
)

// APIError represents a structured API error response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	return &APIError{
		Code:      e.Code,
		Message:   e.Message,
		Details:   details,
		RequestID: e.RequestID,
	}
}

// WithRequestID returns a copy of the error with the request ID set.
func (e *APIError) WithRequestID(requestID string) *APIError {
	return &APIError{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		RequestID: requestID,
	}
}

// New creates a new APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *APIError {
	return New(CodeNotFound, message)
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string) *APIError {
	return New(CodeUnauthorized, message)
}

// NewForbiddenError creates a forbidden error.
func NewForbiddenError(message string) *APIError {
	return New(CodeForbidden, message)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string) *APIError {
	return New(CodeConflict, message)
}

// NewUnavailableError creates a service unavailable error.
func NewUnavailableError(message string) *APIError {
	return New(CodeUnavailable, message)
}

// NewNotImplementedError creates an error for operations a resource does
// not support.
func NewNotImplementedError(message string) *APIError {
	return New(CodeNotImplemented, message)
}

// FromError maps a domain error onto an APIError. Unknown errors become
// internal errors without leaking their text.
func FromError(err error) *APIError {
	var (
		apiErr *APIError
		verr   *validation.ValidationError
	)
	switch {
	case stderrors.As(err, &apiErr):
		return apiErr
	case stderrors.As(err, &verr):
		fields := ValidationErrors{{Field: verr.Field, Message: verr.Message}}
		return fields.ToAPIError()
	case stderrors.Is(err, history.ErrNotFound),
		stderrors.Is(err, slave.ErrUnknownSlave):
		return NewNotFoundError(err.Error())
	case stderrors.Is(err, history.ErrInvalidKey),
		stderrors.Is(err, history.ErrDepthExceeded):
		return NewValidationError(err.Error())
	case stderrors.Is(err, history.ErrKeyConflict):
		return NewConflictError(err.Error())
	case stderrors.Is(err, source.ErrRepositoryUnavailable),
		stderrors.Is(err, scheduler.ErrNotRunning),
		stderrors.Is(err, slave.ErrConnectionLost),
		stderrors.Is(err, history.ErrClosed):
		return NewUnavailableError(err.Error())
	case stderrors.Is(err, source.ErrUnsupported):
		return NewNotImplementedError(err.Error())
	case stderrors.Is(err, auth.ErrPermissionDenied):
		return NewForbiddenError(err.Error())
	case stderrors.Is(err, auth.ErrInvalidToken),
		stderrors.Is(err, auth.ErrExpiredToken),
		stderrors.Is(err, auth.ErrMissingClaims):
		return NewUnauthorizedError(err.Error())
	default:
		return NewInternalError("An unexpected error occurred")
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotImplemented:
		return http.StatusNotImplemented
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// WriteErrorWithRequestID writes an APIError with the request ID set.
func WriteErrorWithRequestID(w http.ResponseWriter, err *APIError, requestID string) {
	WriteError(w, err.WithRequestID(requestID))
}

// ValidationError represents a field-level validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of field-level validation errors.
type ValidationErrors []ValidationError

// Add adds a new validation error for a field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any validation errors.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// ToAPIError converts validation errors to an APIError with field details.
func (v ValidationErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewValidationError("validation failed")
	}

	msg := v[0].Message
	if len(v) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(v)-1)
	}
	return NewValidationError(msg).WithDetails(map[string]any{"fields": v})
}

// ErrorLogEntry ties a logged internal failure to the response the client
// saw through its correlation ID.
type ErrorLogEntry struct {
	CorrelationID string `json:"correlation_id"`
	RequestID     string `json:"request_id,omitempty"`
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	StackTrace    string `json:"stack_trace"`
}

// NewErrorLogEntry creates a log entry with a fresh correlation ID and the
// stack of the caller.
func NewErrorLogEntry(requestID, errorCode, message string) *ErrorLogEntry {
	return &ErrorLogEntry{
		CorrelationID: uuid.NewString(),
		RequestID:     requestID,
		ErrorCode:     errorCode,
		Message:       message,
		StackTrace:    string(debug.Stack()),
	}
}

// ToSlogAttrs returns the entry as slog key/value pairs.
func (e *ErrorLogEntry) ToSlogAttrs() []any {
	return []any{
		"correlation_id", e.CorrelationID,
		"request_id", e.RequestID,
		"error_code", e.ErrorCode,
		"message", e.Message,
		"stack_trace", e.StackTrace,
	}
}
