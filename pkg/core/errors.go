package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a failure reported by an upstream provider.
type Error struct {
	Type       ErrorType `json:"type"`
	Provider   string    `json:"provider,omitempty"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Code       string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Type)
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", prefix, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI:
		return true
	default:
		return false
	}
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

// ErrorFromStatus maps an HTTP status returned by a provider to an Error.
func ErrorFromStatus(provider string, status int, message string) *Error {
	e := &Error{Provider: provider, StatusCode: status, Message: message}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Type = ErrInvalidRequest
	case status == http.StatusUnauthorized:
		e.Type = ErrAuthentication
	case status == http.StatusForbidden:
		e.Type = ErrPermission
	case status == http.StatusNotFound:
		e.Type = ErrNotFound
	case status == http.StatusTooManyRequests:
		e.Type = ErrRateLimit
	case status == http.StatusServiceUnavailable || status == 529:
		e.Type = ErrOverloaded
	default:
		e.Type = ErrAPI
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// IsRetryable reports whether err, or any error it wraps, is a retryable provider Error.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
