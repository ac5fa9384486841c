package errors

import (
	stderrors "errors"
	"fmt"
	"unicode/utf8"
)

// ErrorType classifies failures across the pool, validator and worker.
type ErrorType string

const (
	// ErrorTypeValidation marks malformed caller input, rejected synchronously.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeSessionExpired marks an authentication failure (401/403).
	ErrorTypeSessionExpired ErrorType = "session_expired"
	// ErrorTypeRateLimited marks an upstream 429.
	ErrorTypeRateLimited ErrorType = "rate_limited"
	// ErrorTypeAPIError marks an upstream 5xx.
	ErrorTypeAPIError ErrorType = "api_error"
	// ErrorTypeNetwork marks timeouts and connection failures.
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeUnexpectedResponse marks a malformed or empty body that
	// survived local retries.
	ErrorTypeUnexpectedResponse ErrorType = "unexpected_response"
	// ErrorTypeBlocked means the egress identity appears rejected by the
	// upstream service. Distinct from a generic transient failure: it
	// escalates the job to the fallback provider.
	ErrorTypeBlocked ErrorType = "blocked"
	// ErrorTypeNotFound marks a missing record or resource.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeInternal is the catch-all for unexpected failures.
	ErrorTypeInternal ErrorType = "internal"
)

// Error carries a failure classification alongside the message and, for
// HTTP-originated errors, the status code.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// New builds a typed error.
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Newf builds a typed error with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// NewHTTP builds a typed error tagged with the originating status code.
func NewHTTP(t ErrorType, code int, message string) *Error {
	return &Error{Type: t, Message: message, Code: code}
}

// GetType extracts the classification from err, unwrapping as needed.
// Untyped errors classify as internal.
func GetType(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err carries the given classification.
func IsType(err error, t ErrorType) bool {
	return GetType(err) == t
}

// StatusCode extracts the HTTP status an error originated from, or 0
// when the error did not come from a status code.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsRetryable reports whether an error of the given type is worth
// retrying locally. Auth and rate-limit failures fail fast; transient
// transport and format errors do not.
func IsRetryable(t ErrorType) bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeAPIError, ErrorTypeUnexpectedResponse:
		return true
	default:
		return false
	}
}

// FromStatusCode maps an HTTP status to the validator/worker taxonomy.
// 2xx codes map to no error.
func FromStatusCode(code int) *Error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return NewHTTP(ErrorTypeSessionExpired, code, "authentication rejected")
	case code == 404:
		return NewHTTP(ErrorTypeNotFound, code, "resource not found")
	case code == 429:
		return NewHTTP(ErrorTypeRateLimited, code, "rate limit exceeded")
	case code >= 500:
		return NewHTTP(ErrorTypeAPIError, code, "upstream server error")
	default:
		return NewHTTP(ErrorTypeUnexpectedResponse, code, fmt.Sprintf("unexpected status code %d", code))
	}
}

// Truncate caps a failure reason at n bytes for persistence and
// callback payloads, backing off to a rune boundary so the result is
// still valid UTF-8.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
