package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies provider failures.
type ErrorType string

const (
	ErrorTypeEndpoint ErrorType = "endpoint"
	ErrorTypeAuth     ErrorType = "auth"
	ErrorTypeModel    ErrorType = "model"
	ErrorTypeRate     ErrorType = "rate_limit"
	ErrorTypeEmpty    ErrorType = "empty_response"
	ErrorTypeCircuit  ErrorType = "circuit_open"
	ErrorTypeUnknown  ErrorType = "unknown"
)

// Error is a classified provider error.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	Cause      error
	StatusCode int
}

func (e *Error) Error() string {
	parts := []string{string(e.Type)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements retry.RetryableError without importing the retry package.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a classified error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

type classification struct {
	errType   ErrorType
	message   string
	retryable bool
	match     func(raw, lower string) bool
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Checked in order; the first match wins.
var classifications = []classification{
	{ErrorTypeAuth, "authentication failed", false, func(raw, lower string) bool {
		return strings.Contains(raw, "401") || containsAny(lower, "unauthorized", "invalid api key", "invalid x-api-key", "authentication_error")
	}},
	{ErrorTypeModel, "model not found", false, func(_, lower string) bool {
		return strings.Contains(lower, "model") && containsAny(lower, "not found", "does not exist", "not_found_error")
	}},
	{ErrorTypeEndpoint, "endpoint not found", false, func(raw, _ string) bool {
		return strings.Contains(raw, "404")
	}},
	{ErrorTypeEndpoint, "connection failed", true, func(_, lower string) bool {
		return containsAny(lower, "connection refused", "no such host", "connection reset")
	}},
	{ErrorTypeEndpoint, "request timeout", true, func(_, lower string) bool {
		return containsAny(lower, "timeout", "deadline exceeded")
	}},
	{ErrorTypeRate, "rate limited", true, func(raw, lower string) bool {
		return strings.Contains(raw, "429") || containsAny(lower, "rate limit", "rate_limit")
	}},
	{ErrorTypeEndpoint, "provider overloaded", true, func(raw, lower string) bool {
		return strings.Contains(raw, "529") || strings.Contains(lower, "overloaded")
	}},
	{ErrorTypeEndpoint, "server error", true, func(raw, _ string) bool {
		return containsAny(raw, "500", "502", "503", "504")
	}},
}

// ClassifyError maps a provider error to a structured *Error.
// Errors that are already classified pass through unchanged.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	raw := err.Error()
	lower := strings.ToLower(raw)

	statusCode := 0
	for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 504, 529} {
		if strings.Contains(raw, fmt.Sprintf("%d", code)) {
			statusCode = code
			break
		}
	}

	for _, c := range classifications {
		if c.match(raw, lower) {
			classified := NewError(c.errType, c.message, c.retryable, err)
			classified.StatusCode = statusCode
			return classified
		}
	}

	classified := NewError(ErrorTypeUnknown, "llm error", false, err)
	classified.StatusCode = statusCode
	return classified
}

// IsRetryable returns true if err wraps a retryable *Error.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// GetErrorType extracts the ErrorType from an error.
func GetErrorType(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}
