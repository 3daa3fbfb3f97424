// Package core provides core types and interfaces for the chat gateway.
package core

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeNetwork indicates the upstream could not be reached
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeAPI indicates a non-2xx upstream response or a mid-stream error event
	ErrorTypeAPI ErrorType = "api_error"
	// ErrorTypeRateLimit indicates an upstream rate limit (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAuthentication indicates rejected credentials (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeInvalidRequest indicates a client error
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeModelNotFound indicates the model cannot be routed to a configured provider
	ErrorTypeModelNotFound ErrorType = "model_not_found"
	// ErrorTypeQuotaExceeded indicates the user has no token budget left
	ErrorTypeQuotaExceeded ErrorType = "quota_exceeded"
	// ErrorTypeInternal indicates a gateway-side failure
	ErrorTypeInternal ErrorType = "internal_error"
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status code a gateway HTTP handler should answer with.
// Upstream status codes are never leaked verbatim for api errors.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeModelNotFound:
		return http.StatusNotFound
	case ErrorTypeAPI, ErrorTypeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewNetworkError creates an error for a transport failure talking to a provider.
func NewNetworkError(provider string, err error) *GatewayError {
	msg := "network error"
	if err != nil {
		msg = err.Error()
	}
	return &GatewayError{
		Type:     ErrorTypeNetwork,
		Message:  msg,
		Provider: provider,
		Err:      err,
	}
}

// NewAPIError creates an error carrying the upstream status and body.
func NewAPIError(provider string, statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Provider:   provider,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewModelNotFoundError creates an error for a model with no configured provider.
func NewModelNotFoundError(model string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeModelNotFound,
		Message:    fmt.Sprintf("model %q is not available", model),
		StatusCode: http.StatusNotFound,
	}
}

// NewQuotaExceededError creates the error returned when a pre-check denies a request.
func NewQuotaExceededError() *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeQuotaExceeded,
		Message:    "Token limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewInternalError wraps a gateway-side failure.
func NewInternalError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ParseProviderError maps a non-2xx provider response to a GatewayError.
// 429 and 401 have dedicated kinds; every other status becomes an api error
// that keeps the raw status and body.
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *GatewayError {
	switch statusCode {
	case http.StatusTooManyRequests:
		return NewRateLimitError(provider, providerMessage(body))
	case http.StatusUnauthorized:
		return NewAuthenticationError(provider, providerMessage(body))
	default:
		return NewAPIError(provider, statusCode, string(body), originalErr)
	}
}

func providerMessage(body []byte) string {
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error.Message != "" {
		return errorResponse.Error.Message
	}
	return string(body)
}
