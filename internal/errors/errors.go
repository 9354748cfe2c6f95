package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrConnectionFailed = errors.New("connection failed")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// APIError is a structured error for calls against the console backend.
type APIError struct {
	Type       ErrorType
	Op         string // e.g. "fetch_entitlements"
	BusinessID string
	Err        error
	StatusCode int
	Timestamp  time.Time
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.BusinessID != "" {
		return fmt.Sprintf("%s failed for business %s: %v", e.Op, e.BusinessID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *APIError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth && e.StatusCode != http.StatusForbidden
	case ErrForbidden:
		return e.Type == ErrorTypeAuth && e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrInvalidPayload:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewAPIError creates a new APIError
func NewAPIError(errorType ErrorType, op, businessID string, err error) *APIError {
	return &APIError{
		Type:       errorType,
		Op:         op,
		BusinessID: businessID,
		Err:        err,
		Timestamp:  time.Now(),
		Retryable:  isRetryable(errorType),
	}
}

// WithStatusCode records the HTTP status and re-derives the error type from it.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	if t := StatusType(code); t != "" {
		e.Type = t
	}
	switch {
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		e.Retryable = true
	case code >= 400 && code < 500:
		e.Retryable = false
	}
	return e
}

// StatusType maps an HTTP status code to an ErrorType. Returns "" for 2xx/3xx.
func StatusType(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case code >= 500:
		return ErrorTypeInternal
	case code >= 400:
		return ErrorTypeAPI
	}
	return ""
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeInternal:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError reports whether err carries a 401/403 from the backend.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == ErrorTypeAuth {
			return true
		}
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return true
		}
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
