// Package errors defines the typed error values used across the dispatch
// pipeline and the HTTP surface.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RelayError is the base error carried through the pipeline. Code is a
// stable machine-readable tag; Retryable tells the dispatcher whether the
// failure may clear on its own.
type RelayError struct {
	Message   string         `json:"message"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e *RelayError) Error() string {
	return e.Message
}

// ToJSON renders the error for API responses.
func (e *RelayError) ToJSON() map[string]any {
	result := map[string]any{
		"name":      "RelayError",
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *RelayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a RelayError.
func New(message, code string, retryable bool, metadata map[string]any) *RelayError {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &RelayError{Message: message, Code: code, Retryable: retryable, Metadata: metadata}
}

// RateLimitError reports a 429 / RESOURCE_EXHAUSTED observed upstream.
type RateLimitError struct {
	*RelayError
	ResetMs      int64  `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewRateLimitError creates a RateLimitError.
func NewRateLimitError(message string, resetMs int64, accountEmail string) *RateLimitError {
	metadata := map[string]any{}
	if resetMs > 0 {
		metadata["resetMs"] = resetMs
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		RelayError:   &RelayError{Message: message, Code: "RATE_LIMITED", Retryable: true, Metadata: metadata},
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// ResourceExhaustedError means every account is rate-limited past the
// maximum wait and no fallback applied. Surfaced to clients as a 400
// invalid_request_error so they do not auto-retry before the reset.
type ResourceExhaustedError struct {
	*RelayError
	Model   string `json:"model"`
	ResetMs int64  `json:"resetMs"`
}

// NewResourceExhaustedError creates a ResourceExhaustedError.
func NewResourceExhaustedError(model string, resetMs int64) *ResourceExhaustedError {
	return &ResourceExhaustedError{
		RelayError: &RelayError{
			Message:   fmt.Sprintf("RESOURCE_EXHAUSTED: all accounts rate limited on %s", model),
			Code:      "RESOURCE_EXHAUSTED",
			Retryable: false,
			Metadata:  map[string]any{"model": model, "resetMs": resetMs},
		},
		Model:   model,
		ResetMs: resetMs,
	}
}

// AuthError reports an authentication failure for an account.
type AuthError struct {
	*RelayError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError creates an AuthError.
func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]any{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		RelayError:   &RelayError{Message: message, Code: "AUTH_INVALID", Retryable: false, Metadata: metadata},
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// InvalidRequestError is a permanent 400 from upstream; never retried.
type InvalidRequestError struct {
	*RelayError
}

// NewInvalidRequestError creates an InvalidRequestError.
func NewInvalidRequestError(message string) *InvalidRequestError {
	return &InvalidRequestError{
		RelayError: &RelayError{Message: message, Code: "INVALID_REQUEST", Retryable: false, Metadata: map[string]any{}},
	}
}

// NoAccountsError reports that the pool could not serve a request.
type NoAccountsError struct {
	*RelayError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoAccountsError creates a NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		RelayError: &RelayError{
			Message:   message,
			Code:      "NO_ACCOUNTS",
			Retryable: allRateLimited,
			Metadata:  map[string]any{"allRateLimited": allRateLimited},
		},
		AllRateLimited: allRateLimited,
	}
}

// MaxRetriesError means the per-request attempt budget was exhausted.
type MaxRetriesError struct {
	*RelayError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError creates a MaxRetriesError.
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		RelayError: &RelayError{
			Message:   message,
			Code:      "MAX_RETRIES",
			Retryable: false,
			Metadata:  map[string]any{"attempts": attempts},
		},
		Attempts: attempts,
	}
}

// APIError wraps an upstream HTTP error not covered by a narrower type.
type APIError struct {
	*RelayError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewAPIError creates an APIError.
func NewAPIError(message string, statusCode int, errorType string) *APIError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &APIError{
		RelayError: &RelayError{
			Message:   message,
			Code:      strings.ToUpper(errorType),
			Retryable: statusCode >= 500,
			Metadata:  map[string]any{"statusCode": statusCode, "errorType": errorType},
		},
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// EmptyResponseError means a 200 stream yielded no events.
type EmptyResponseError struct {
	*RelayError
}

// NewEmptyResponseError creates an EmptyResponseError.
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from API"
	}
	return &EmptyResponseError{
		RelayError: &RelayError{Message: message, Code: "EMPTY_RESPONSE", Retryable: true, Metadata: map[string]any{}},
	}
}

// CapacityExhaustedError reports shared model capacity exhaustion.
type CapacityExhaustedError struct {
	*RelayError
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// NewCapacityExhaustedError creates a CapacityExhaustedError.
func NewCapacityExhaustedError(message string, retryAfterMs int64) *CapacityExhaustedError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	metadata := map[string]any{}
	if retryAfterMs > 0 {
		metadata["retryAfterMs"] = retryAfterMs
	}
	return &CapacityExhaustedError{
		RelayError:   &RelayError{Message: message, Code: "CAPACITY_EXHAUSTED", Retryable: true, Metadata: metadata},
		RetryAfterMs: retryAfterMs,
	}
}

// IsRateLimitError reports whether err represents a rate limit.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError reports whether err represents an authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*AuthError); ok {
		return true
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "AUTH_INVALID") ||
		strings.Contains(msg, "INVALID_GRANT") ||
		strings.Contains(msg, "TOKEN REFRESH FAILED")
}

// IsEmptyResponseError reports whether err represents an empty stream.
func IsEmptyResponseError(err error) bool {
	if _, ok := err.(*EmptyResponseError); ok {
		return true
	}
	if re, ok := err.(*RelayError); ok {
		return re.Code == "EMPTY_RESPONSE"
	}
	return false
}

// IsResourceExhaustedError reports whether err is the all-accounts-exhausted case.
func IsResourceExhaustedError(err error) bool {
	_, ok := err.(*ResourceExhaustedError)
	return ok
}

// IsInvalidRequestError reports whether err is a permanent client error.
func IsInvalidRequestError(err error) bool {
	if _, ok := err.(*InvalidRequestError); ok {
		return true
	}
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "invalid_request_error")
}

// HTTPStatus returns the HTTP status appropriate for err.
func HTTPStatus(err error) int {
	switch e := err.(type) {
	case *ResourceExhaustedError:
		return 400
	case *InvalidRequestError:
		return 400
	case *RateLimitError:
		return 429
	case *AuthError:
		return 401
	case *NoAccountsError:
		if e.AllRateLimited {
			return 429
		}
		return 503
	case *MaxRetriesError:
		return 503
	case *APIError:
		return e.StatusCode
	case *EmptyResponseError:
		return 502
	case *CapacityExhaustedError:
		return 503
	default:
		return 500
	}
}
