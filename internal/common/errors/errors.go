// Package errors provides the tagged error variants surfaced by the control plane.
// The HTTP layer is the only place that maps these onto status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeQueueFull          = "QUEUE_FULL"
	ErrCodeQueueTimeout       = "QUEUE_TIMEOUT"
	ErrCodeAgentBusy          = "AGENT_BUSY"
	ErrCodeAgentUnreachable   = "AGENT_UNREACHABLE"
	ErrCodeQueueUnavailable   = "QUEUE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// RetryAfter is populated for QUEUE_FULL errors, in seconds.
	RetryAfter int `json:"retry_after,omitempty"`
	// Detail carries structured context safe to return to callers,
	// e.g. the current execution for AGENT_BUSY.
	Detail interface{} `json:"detail,omitempty"`
	Err    error       `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// QueueFull signals that an agent's wait list is at capacity. retryAfter is
// the remaining TTL of the running slot in seconds, 0 when unknown.
func QueueFull(agentName string, queueLength, retryAfter int) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("execution queue for agent '%s' is full (%d waiting)", agentName, queueLength),
		HTTPStatus: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// QueueTimeout signals that a queued execution was not promoted within the
// wait timeout and has been dropped from the wait list.
func QueueTimeout(agentName, executionID string) *AppError {
	return &AppError{
		Code:       ErrCodeQueueTimeout,
		Message:    fmt.Sprintf("execution '%s' timed out waiting for agent '%s'", executionID, agentName),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// AgentBusy signals that the agent is running an execution and the caller
// declined to wait. current carries the running execution metadata.
func AgentBusy(agentName string, current interface{}) *AppError {
	return &AppError{
		Code:       ErrCodeAgentBusy,
		Message:    fmt.Sprintf("agent '%s' is busy", agentName),
		HTTPStatus: http.StatusConflict,
		Detail:     current,
	}
}

// AgentUnreachable signals that the agent container could not be reached.
func AgentUnreachable(agentName string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnreachable,
		Message:    fmt.Sprintf("agent '%s' is not reachable", agentName),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// QueueUnavailable signals a lock backend outage. Submits fail closed.
func QueueUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeQueueUnavailable,
		Message:    "execution queue backend unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			RetryAfter: appErr.RetryAfter,
			Detail:     appErr.Detail,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict
	}
	return false
}

// IsQueueFull checks if the error is a queue-full rejection.
func IsQueueFull(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeQueueFull
	}
	return false
}

// IsAgentBusy checks if the error is an agent-busy rejection.
func IsAgentBusy(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeAgentBusy
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// As extracts an AppError from err, if present.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
