// Package errors provides the coded error taxonomy shared by every layer of
// the service.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: the area that rejected the request (request, auth, resource, error)
//   - error: the specific failure within that domain
//
// Each code maps to exactly one HTTP status. Handlers render a CodedError as
// {"code": <status>, "message": ..., "detail": ...}; anything that is not a
// CodedError is treated as an internal error.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes by domain.
const (
	// Request domain - malformed or throttled input
	CodeBadRequest  = "request.bad_request"  // Missing or malformed field
	CodeRateLimited = "request.rate_limited" // Too many attempts in the current window

	// Auth domain - token and credential checks
	CodeUnauthorized = "auth.unauthorized" // Missing, invalid or expired token, wrong role or kind
	CodeForbidden    = "auth.forbidden"    // Valid token but insufficient scope

	// Resource domain - state conflicts
	CodeConflict = "resource.conflict"  // Resource already exists (credentials re-initialized)
	CodeNotFound = "resource.not_found" // Unknown device id

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Missing singleton rows, storage failures
)

// statusByCode maps each code to the HTTP status used on the wire.
var statusByCode = map[string]int{
	CodeBadRequest:   http.StatusBadRequest,
	CodeRateLimited:  http.StatusTooManyRequests,
	CodeUnauthorized: http.StatusUnauthorized,
	CodeForbidden:    http.StatusForbidden,
	CodeConflict:     http.StatusConflict,
	CodeNotFound:     http.StatusNotFound,
	CodeUnknown:      http.StatusInternalServerError,
	CodeInternal:     http.StatusInternalServerError,
}

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.unauthorized")
	Message string // Short human-readable message
	Detail  string // Optional extra detail, empty when absent
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status for the error's code.
func (e *CodedError) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetail returns a copy of e carrying the given detail string.
func (e *CodedError) WithDetail(detail string) *CodedError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// HTTPStatus returns the HTTP status an error should be rendered with.
// Uncoded errors are internal errors.
func HTTPStatus(err error) int {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Status()
	}
	return http.StatusInternalServerError
}

// FromStatus builds a CodedError for an HTTP status received from a server.
// Statuses outside the taxonomy map to CodeUnknown.
func FromStatus(status int, message string) *CodedError {
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return BadRequest(message)
	case http.StatusTooManyRequests:
		return RateLimited(message)
	case http.StatusUnauthorized:
		return Unauthorized(message)
	case http.StatusForbidden:
		return Forbidden(message)
	case http.StatusConflict:
		return Conflict(message)
	case http.StatusNotFound:
		return New(CodeNotFound, message)
	case http.StatusInternalServerError:
		return Internal(message, nil)
	default:
		return New(CodeUnknown, message)
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// BadRequest creates a "request.bad_request" error.
func BadRequest(message string) *CodedError {
	return New(CodeBadRequest, message)
}

// RateLimited creates a "request.rate_limited" error.
func RateLimited(message string) *CodedError {
	return New(CodeRateLimited, message)
}

// Unauthorized creates an "auth.unauthorized" error.
func Unauthorized(message string) *CodedError {
	return New(CodeUnauthorized, message)
}

// Forbidden creates an "auth.forbidden" error.
func Forbidden(message string) *CodedError {
	return New(CodeForbidden, message)
}

// Conflict creates a "resource.conflict" error.
func Conflict(message string) *CodedError {
	return New(CodeConflict, message)
}

// NotFound creates a "resource.not_found" error for the named resource.
func NotFound(resource string) *CodedError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// GetNextAction returns a short hint telling a CLI user or client what to do
// after an error with the given code. Empty when there is nothing useful to say.
func GetNextAction(code string) string {
	switch code {
	case CodeBadRequest:
		return "check the command arguments or request body and try again"
	case CodeUnauthorized:
		return "log in again or refresh the access token"
	case CodeForbidden:
		return "use a session that is allowed to act on this resource"
	case CodeConflict:
		return "credentials are already set; log in with the existing password"
	case CodeNotFound:
		return "list devices to find a valid id"
	case CodeRateLimited:
		return "wait a minute before retrying"
	case CodeInternal, CodeUnknown:
		return "check the log and the database connection, then retry"
	default:
		return ""
	}
}
