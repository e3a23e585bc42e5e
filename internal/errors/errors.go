package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents invalid request parameters (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents a lookup with no result
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents internal errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategorySourceUnavailable represents an unreachable or failing upstream
	// (indexer, price feed, game API)
	CategorySourceUnavailable ErrorCategory = "source_unavailable"
	// CategoryMalformedRow represents an upstream row missing a required field
	CategoryMalformedRow ErrorCategory = "malformed_row"
	// CategoryInconsistentState represents upstream data violating an invariant
	CategoryInconsistentState ErrorCategory = "inconsistent_state"
	// CategoryCancelled represents a caller abandoning the request
	CategoryCancelled ErrorCategory = "cancelled"
)

// StatusClientClosedRequest is the conventional status for a request the client abandoned
const StatusClientClosedRequest = 499

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// User Input Errors (4xx)

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySourceUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Upstream Errors

// NewSourceUnavailableError creates an error for an upstream that could not be
// reached or answered with a non-success status
func NewSourceUnavailableError(source string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySourceUnavailable,
		StatusCode: http.StatusBadGateway,
		Code:       "SOURCE_UNAVAILABLE",
		Message:    fmt.Sprintf("upstream source unavailable: %s", source),
		Cause:      cause,
		Details: map[string]interface{}{
			"source": source,
		},
	}
}

// NewSourceTimeoutError creates an upstream timeout error
func NewSourceTimeoutError(source string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySourceUnavailable,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "SOURCE_TIMEOUT",
		Message:    fmt.Sprintf("upstream source timeout: %s", source),
		Cause:      cause,
		Details: map[string]interface{}{
			"source": source,
		},
	}
}

// NewMalformedRowError creates an error for an upstream row that cannot be normalized
func NewMalformedRowError(entity, field, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMalformedRow,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "MALFORMED_ROW",
		Message:    fmt.Sprintf("malformed %s row: field '%s' %s", entity, field, reason),
		Details: map[string]interface{}{
			"entity": entity,
			"field":  field,
			"reason": reason,
		},
	}
}

// NewInconsistentStateError creates an error describing upstream data that
// violates an invariant. It is logged, never returned to callers as a failure.
func NewInconsistentStateError(entity, id, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInconsistentState,
		StatusCode: http.StatusOK,
		Code:       "INCONSISTENT_STATE",
		Message:    fmt.Sprintf("inconsistent %s %s: %s", entity, id, reason),
		Details: map[string]interface{}{
			"entity": entity,
			"id":     id,
			"reason": reason,
		},
	}
}

// NewCancelledError wraps a context cancellation
func NewCancelledError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCancelled,
		StatusCode: StatusClientClosedRequest,
		Code:       "REQUEST_CANCELLED",
		Message:    "request cancelled",
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	if stderrors.Is(err, context.Canceled) {
		return NewCancelledError(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewSourceTimeoutError("deadline", err)
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.Category == CategorySourceUnavailable
}

// IsSourceUnavailable reports whether err is an upstream failure
func IsSourceUnavailable(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategorySourceUnavailable
}

// IsCancelled reports whether err is a caller cancellation
func IsCancelled(err error) bool {
	return stderrors.Is(err, context.Canceled)
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
