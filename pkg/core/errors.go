package core

import (
	"errors"
	"fmt"
)

// Error represents a failure surfaced by the voice or realtime core.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrUnavailable    ErrorType = "unavailable_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrTransport      ErrorType = "transport_error"
	ErrMicrophone     ErrorType = "microphone_error"
	ErrUnsupportedEnv ErrorType = "unsupported_environment_error"
	ErrBreakerOpen    ErrorType = "breaker_open_error"
	ErrProvider       ErrorType = "provider_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewUnavailableError creates a temporarily-unavailable error.
func NewUnavailableError(message string) *Error {
	return &Error{
		Type:    ErrUnavailable,
		Message: message,
	}
}

// NewTimeoutError creates a timeout error for a named stage.
func NewTimeoutError(stage string) *Error {
	return &Error{
		Type:    ErrTimeout,
		Message: fmt.Sprintf("%s timed out", stage),
	}
}

// NewTransportError creates an error for an abnormal connection failure.
// The websocket close code, if known, is carried in Code.
func NewTransportError(message string, closeCode int) *Error {
	err := &Error{
		Type:    ErrTransport,
		Message: message,
	}
	if closeCode > 0 {
		err.Code = fmt.Sprintf("%d", closeCode)
	}
	return err
}

// NewMicrophoneError creates a microphone acquisition error.
func NewMicrophoneError(message string, cause error) *Error {
	return &Error{
		Type:    ErrMicrophone,
		Message: message,
		Cause:   cause,
	}
}

// NewUnsupportedEnvironmentError creates an error for a missing platform capability.
func NewUnsupportedEnvironmentError(capability string) *Error {
	return &Error{
		Type:    ErrUnsupportedEnv,
		Message: fmt.Sprintf("%s is not available in this environment", capability),
	}
}

// NewBreakerOpenError creates the rejection returned while the circuit breaker is open.
func NewBreakerOpenError() *Error {
	return &Error{
		Type:    ErrBreakerOpen,
		Message: "voice is temporarily unavailable, retry after resetting",
	}
}

// NewProviderError creates a provider-reported error.
func NewProviderError(message string, code string) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: message,
		Code:    code,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrUnavailable, ErrTimeout, ErrTransport:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts an *Error from err's chain, wrapping foreign errors as
// provider errors so callers always see the typed form.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{
		Type:    ErrProvider,
		Message: err.Error(),
		Cause:   err,
	}
}
