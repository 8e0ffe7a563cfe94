// Package core provides core types and the error taxonomy for the dispatcher.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeBudgetExceeded indicates a daily spend cap would be exceeded. Terminal, not retried.
	ErrorTypeBudgetExceeded ErrorType = "budget_exceeded"
	// ErrorTypeTokenLimit indicates the requested max tokens exceeds the hard ceiling.
	ErrorTypeTokenLimit ErrorType = "token_limit_exceeded"
	// ErrorTypeCircuitOpen indicates the circuit breaker rejected the call without reaching a provider.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeProvider indicates an upstream provider error after fallback was exhausted.
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeRateLimit indicates admission-time rejection of a queued job.
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication error (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates a not found error (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeStoreUnavailable indicates the external store failed. Non-fatal
	// wherever correctness does not depend on it.
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
)

// DispatchError is the base error type for all dispatcher errors
type DispatchError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Retryable marks provider errors worth a fallback attempt (network/timeout/5xx/429).
	Retryable bool `json:"-"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *DispatchError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeBudgetExceeded, ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTokenLimit, ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeCircuitOpen, ErrorTypeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *DispatchError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// IsErrorType reports whether err is a *DispatchError of the given type.
func IsErrorType(err error, t ErrorType) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Type == t
	}
	return false
}

// TypeOf returns the ErrorType of err, or empty when err carries no type.
func TypeOf(err error) ErrorType {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsRetryable reports whether err is a provider error worth a fallback attempt.
func IsRetryable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	// Unclassified errors (network failures, timeouts) are treated as retryable.
	return true
}

// NewBudgetExceededError creates a terminal budget cap error.
func NewBudgetExceededError(message string) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeBudgetExceeded,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewTokenLimitError creates a terminal token ceiling error.
func NewTokenLimitError(message string) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeTokenLimit,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewCircuitOpenError creates a fail-fast error for an open breaker.
func NewCircuitOpenError(provider string) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeCircuitOpen,
		Message:    "circuit breaker is open - provider temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Provider:   provider,
	}
}

// NewProviderError creates a new provider error (upstream 5xx)
func NewProviderError(provider string, statusCode int, message string, err error) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Retryable:  true,
		Err:        err,
	}
}

// NewRateLimitError creates an admission-time rejection error.
func NewRateLimitError(message string) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(message string) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewStoreUnavailableError wraps a failed external store operation.
func NewStoreUnavailableError(message string, err error) *DispatchError {
	return &DispatchError{
		Type:       ErrorTypeStoreUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ParseProviderError parses an error response from a provider and returns an
// appropriate DispatchError. Rate limits and 5xx are retryable via fallback;
// other client errors are terminal.
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *DispatchError {
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error.Message != "" {
		message = errorResponse.Error.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e := NewAuthenticationError(message)
		e.Provider = provider
		return e
	case statusCode == http.StatusTooManyRequests:
		return &DispatchError{
			Type:       ErrorTypeRateLimit,
			Message:    message,
			StatusCode: http.StatusTooManyRequests,
			Provider:   provider,
			Retryable:  true,
			Err:        originalErr,
		}
	case statusCode == http.StatusRequestTimeout:
		e := NewProviderError(provider, statusCode, message, originalErr)
		return e
	case statusCode >= 400 && statusCode < 500:
		// Client errors from the provider are terminal; retrying the same
		// payload against a fallback would fail identically.
		e := NewInvalidRequestError(message, originalErr)
		e.StatusCode = statusCode
		e.Provider = provider
		return e
	default:
		return NewProviderError(provider, statusCode, message, originalErr)
	}
}
