package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies application errors for transport mapping and retry decisions.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeConcurrentUpdate ErrorCode = "CONCURRENT_UPDATE"
	CodeExternalService  ErrorCode = "EXTERNAL_SERVICE_ERROR"
	CodeConfiguration    ErrorCode = "CONFIGURATION_ERROR"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError is the error type returned by services. Handlers map it onto HTTP
// responses; background workers use the code to decide whether a retry is sane.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code to an HTTP status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConcurrentUpdate:
		return http.StatusConflict
	case CodeExternalService:
		return http.StatusBadGateway
	case CodeConfiguration, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the whole operation.
func (e *AppError) Retryable() bool {
	return e.Code == CodeConcurrentUpdate || e.Code == CodeExternalService
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Err: err}
}

// NewValidationError creates a validation error for malformed input.
func NewValidationError(message string, err error) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Err: err}
}

// NewConcurrentUpdateError signals an exhausted optimistic-concurrency retry budget.
func NewConcurrentUpdateError(message string, err error) *AppError {
	return &AppError{Code: CodeConcurrentUpdate, Message: message, Err: err}
}

// NewExternalServiceError wraps a downstream failure that is recorded, never dropped.
func NewExternalServiceError(message string, err error) *AppError {
	return &AppError{Code: CodeExternalService, Message: message, Err: err}
}

// NewConfigurationError signals missing or invalid startup configuration.
func NewConfigurationError(message string, err error) *AppError {
	return &AppError{Code: CodeConfiguration, Message: message, Err: err}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// AsAppError extracts an *AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}
