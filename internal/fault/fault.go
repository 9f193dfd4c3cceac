// Package fault defines the domain error type shared by all subsystems.
// Every user-visible failure carries a stable machine-readable code that is
// surfaced to clients both as the HTTP status and as the "code" field of the
// JSON error body. Subsystems translate store-level errors into these codes
// at their boundary — a raw database error never reaches a handler.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier. The string values are
// part of the wire contract and must not change between releases.
type Code string

const (
	CodeInvalidIdentity   Code = "InvalidIdentity"
	CodeInvalidArgument   Code = "InvalidArgument"
	CodeValidationError   Code = "ValidationError"
	CodeNotFound          Code = "NotFound"
	CodeLockHeld          Code = "LockHeld"
	CodeLockHeldByOther   Code = "LockHeldByOther"
	CodeLockNotHeld       Code = "LockNotHeld"
	CodePortInUse         Code = "PortInUse"
	CodeResourceLimit     Code = "ResourceLimit"
	CodeTimeout           Code = "Timeout"
	CodeNoPortAvailable   Code = "NoPortAvailable"
	CodeSubscribeRejected Code = "SubscribeRejected"
	CodeForbidden         Code = "Forbidden"
	CodeInternal          Code = "Internal"
)

// Error is a domain error with a stable code and optional structured detail
// (e.g. the current holder of a contested lock). It implements error and
// supports errors.As.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With attaches a detail key-value pair and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the Code from err. Returns CodeInternal for nil-safe use
// with errors that are not domain errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsCode reports whether err is a domain error with the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to its HTTP status per the error taxonomy.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidIdentity, CodeInvalidArgument, CodeValidationError, CodeForbidden:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeLockHeld, CodeLockHeldByOther, CodeLockNotHeld, CodePortInUse, CodeResourceLimit:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeNoPortAvailable:
		return http.StatusServiceUnavailable
	case CodeSubscribeRejected:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
