// Package apperr defines the error codes shared by every keel role.
// Codes are strings so they survive message casts and JSON responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInvalidConfig      Code = "INVALID_CONFIGURATION"
	CodeUnsupportedVersion Code = "UNSUPPORTED_VERSION"
	CodeStillReferenced    Code = "STILL_REFERENCED"
	CodeConflict           Code = "CONFLICT"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error carries a Code alongside a message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, apperr.StillReferenced).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is comparisons.
var (
	InvalidInput       = &Error{Code: CodeInvalidInput}
	NotFound           = &Error{Code: CodeNotFound}
	Unauthorized       = &Error{Code: CodeUnauthorized}
	InvalidConfig      = &Error{Code: CodeInvalidConfig}
	UnsupportedVersion = &Error{Code: CodeUnsupportedVersion}
	StillReferenced    = &Error{Code: CodeStillReferenced}
	Conflict           = &Error{Code: CodeConflict}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost *Error in the chain, or
// CodeInternal for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidInput, CodeUnsupportedVersion:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeStillReferenced, CodeConflict:
		return http.StatusConflict
	case CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
