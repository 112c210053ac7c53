package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Stream error codes form a fixed taxonomy: clients switch on these, so new
// failure modes must map onto an existing code or INTERNAL_ERROR.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCreditsExceeded  = "CREDITS_EXCEEDED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeSummaryFailed    = "SUMMARY_FAILED"
	CodeTranscriptFailed = "TRANSCRIPT_FAILED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents validation errors (4xx)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuthentication represents authentication errors (401)
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeProvider represents upstream provider errors (502/503)
	ErrorTypeProvider ErrorType = "provider"
	// ErrorTypeTimeout represents timeout errors (504)
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeProvider:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StreamCode maps the error onto the fixed SSE taxonomy.
func (e *AppError) StreamCode() string {
	if e.Code != "" {
		return e.Code
	}
	return CodeInternalError
}

// NewStreamError creates an error carrying one of the fixed stream codes.
func NewStreamError(code, message string, cause error) *AppError {
	typ := ErrorTypeInternal
	retryable := false
	switch code {
	case CodeAuthRequired, CodeAuthInvalid:
		typ = ErrorTypeAuthentication
	case CodeRateLimited:
		typ = ErrorTypeRateLimit
		retryable = true
	case CodeCreditsExceeded:
		typ = ErrorTypeValidation
	case CodeDownloadFailed, CodeSummaryFailed, CodeTranscriptFailed:
		typ = ErrorTypeProvider
	}
	return &AppError{
		Type:      typ,
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewProviderError creates a provider error
func NewProviderError(provider, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeProvider,
		Message:    fmt.Sprintf("provider %s error: %s", provider, message),
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		Code:       CodeInternalError,
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// AsAppError unwraps err to an AppError, or wraps it as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("an unexpected error occurred", err)
}
