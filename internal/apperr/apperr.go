// Package apperr defines the closed error taxonomy exposed by the API.
package apperr

import (
	"fmt"
	"net/http"
)

// Code identifies an API error category.
type Code string

// The full set of error codes returned by the service.
const (
	CodeAuthMissing        Code = "AUTH_MISSING"
	CodeAuthInvalid        Code = "AUTH_INVALID"
	CodeKeyNotFound        Code = "KEY_NOT_FOUND"
	CodeKeyProcessingError Code = "KEY_PROCESSING_ERROR"
	CodeKeyListError       Code = "KEY_LIST_ERROR"
	CodeKeyUploadError     Code = "KEY_UPLOAD_ERROR"
	CodeKeyDeleteError     Code = "KEY_DELETE_ERROR"
	CodeSignError          Code = "SIGN_ERROR"
	CodeRateLimitError     Code = "RATE_LIMIT_ERROR"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeAuditError         Code = "AUDIT_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// statusByCode maps each error code to its HTTP status.
var statusByCode = map[Code]int{
	CodeAuthMissing:        http.StatusUnauthorized,
	CodeAuthInvalid:        http.StatusUnauthorized,
	CodeKeyNotFound:        http.StatusNotFound,
	CodeKeyProcessingError: http.StatusInternalServerError,
	CodeKeyListError:       http.StatusInternalServerError,
	CodeKeyUploadError:     http.StatusInternalServerError,
	CodeKeyDeleteError:     http.StatusInternalServerError,
	CodeSignError:          http.StatusInternalServerError,
	CodeRateLimitError:     http.StatusServiceUnavailable,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeAuditError:         http.StatusInternalServerError,
	CodeNotFound:           http.StatusNotFound,
	CodeInternalError:      http.StatusInternalServerError,
}

// defaultMessages are used when no upstream message is available.
var defaultMessages = map[Code]string{
	CodeAuthMissing:        "missing bearer token",
	CodeAuthInvalid:        "invalid or expired token",
	CodeKeyNotFound:        "Key not found",
	CodeKeyProcessingError: "failed to process key material",
	CodeKeyListError:       "failed to list keys",
	CodeKeyUploadError:     "failed to upload key",
	CodeKeyDeleteError:     "failed to delete key",
	CodeSignError:          "failed to produce signature",
	CodeRateLimitError:     "rate limiter unavailable",
	CodeRateLimited:        "rate limit exceeded",
	CodeInvalidRequest:     "invalid request",
	CodeAuditError:         "audit query failed",
	CodeNotFound:           "not found",
	CodeInternalError:      "internal server error",
}

// Error is a tagged API error carrying its code and HTTP status.
type Error struct {
	Code    Code
	Status  int
	Message string
	Context map[string]any

	// Err is the underlying cause, if any. It is never serialized.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the default message for the code.
func New(code Code) *Error {
	return &Error{
		Code:    code,
		Status:  StatusFor(code),
		Message: defaultMessages[code],
	}
}

// NewMsg creates an Error with an explicit message.
func NewMsg(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Status:  StatusFor(code),
		Message: message,
	}
}

// Wrap creates an Error with the default message and an underlying cause.
func Wrap(code Code, err error) *Error {
	e := New(code)
	e.Err = err
	return e
}

// StatusFor returns the HTTP status for a code, defaulting to 500.
func StatusFor(code Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Valid reports whether code belongs to the closed set.
func Valid(code Code) bool {
	_, ok := statusByCode[code]
	return ok
}
