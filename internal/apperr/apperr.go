// Package apperr provides the coded error type shared by the session
// service, the supervisor and the worker.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Worker could not be launched or never connected back.
	CodeStartupFailed Code = "STARTUP_FAILED"
	// Malformed or missing response, or the control channel closed mid-request.
	CodeProtocolFailed Code = "PROTOCOL_FAILED"
	// Parameters rejected by the simulation's schema.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// The worker reported an error, or the simulation crashed.
	CodeApplicationFailed Code = "APPLICATION_FAILED"
	CodeNegotiationFailed Code = "NEGOTIATION_FAILED"

	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionClosed   Code = "SESSION_CLOSED"
	CodeUnknownGame     Code = "UNKNOWN_GAME"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
)

// HTTPStatus maps a code onto the status the API answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationFailed, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeSessionNotFound, CodeUnknownGame:
		return http.StatusNotFound
	case CodeSessionClosed:
		return http.StatusGone
	case CodeNegotiationFailed, CodeApplicationFailed:
		return http.StatusUnprocessableEntity
	case CodeStartupFailed, CodeProtocolFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the coded error type.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func WithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
