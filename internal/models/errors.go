package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes a failure for the caller-facing contract.
type ErrorType string

const (
	// ErrorTypeValidation represents malformed requests (400)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuthentication represents API key failures (401)
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeNotFound represents missing resources (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeNoCredential represents an exhausted candidate set (503).
	// Cooldown, quota exhaustion and concurrency saturation all merge
	// into this type for callers; the internal fields stay distinct.
	ErrorTypeNoCredential ErrorType = "no_available_credential"
	// ErrorTypeUpstream represents upstream provider failures (502)
	ErrorTypeUpstream ErrorType = "upstream"
	// ErrorTypeTimeout represents deadline-exceeded executions (504)
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents everything else (500)
	ErrorTypeInternal ErrorType = "internal"
)

// AppError is a structured application error.
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetStatusCode returns the HTTP status code for the error.
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeNoCredential:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrNoAvailableCredential is the sentinel surfaced when no eligible
// credential exists or every candidate is at its concurrency limit. It
// is terminal for the request: the scheduler does not busy-wait.
var ErrNoAvailableCredential = &AppError{
	Type:       ErrorTypeNoCredential,
	Message:    "no available credential for this request",
	Code:       "NO_AVAILABLE_CREDENTIAL",
	StatusCode: http.StatusServiceUnavailable,
	Retryable:  true,
}

// IsNoCredential reports whether err is the exhausted-candidate-set
// condition.
func IsNoCredential(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrorTypeNoCredential
	}
	return false
}

func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewUpstreamError wraps an executor failure, keeping the upstream
// status code for the request log and the health monitor.
func NewUpstreamError(statusCode int, message string, cause error) *AppError {
	retryable := statusCode == http.StatusTooManyRequests || statusCode >= 500
	return &AppError{
		Type:       ErrorTypeUpstream,
		Message:    message,
		Code:       fmt.Sprintf("UPSTREAM_%d", statusCode),
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func NewTimeoutError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Message:    fmt.Sprintf("operation %s timed out", operation),
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
		Cause:      cause,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// UpstreamStatusCode extracts the status code carried by an executor
// failure, defaulting to 500.
func UpstreamStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetStatusCode()
	}
	return http.StatusInternalServerError
}
