// Package serviceerr defines the error kinds produced by the session worker.
// Errors keep their kind across the RPC boundary: the worker serialises the
// code into the response envelope and the host rehydrates it with FromWire.
package serviceerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeMalformedState          Code = "malformed_state"
	CodeUnknownOrExpiredRequest Code = "unknown_or_expired_request"
	CodeInvalidGrant            Code = "invalid_grant"
	CodeTokenValidation         Code = "token_validation"
	CodeStorageUnavailable      Code = "storage_unavailable"
	CodeUnsupportedOperation    Code = "unsupported_operation"
	CodeNetwork                 Code = "network_error"

	CodeNotAuthenticated    Code = "not_authenticated"
	CodeInvalidRequest      Code = "invalid_request"
	CodeAuthorizationFailed Code = "authorization_failed"
	CodeAbandoned           Code = "abandoned"
	CodeUnknown             Code = "unknown"
)

// Recoverable reports whether the condition is expected during normal
// operation and is cured by restarting the whole flow.
func (c Code) Recoverable() bool {
	switch c {
	case CodeUnknownOrExpiredRequest, CodeInvalidGrant, CodeAbandoned, CodeNotAuthenticated:
		return true
	default:
		return false
	}
}

type Error struct {
	Err         Code
	Description string

	cause error
}

var (
	ErrMalformedState          = &Error{Err: CodeMalformedState, Description: "malformed state parameter"}
	ErrUnknownOrExpiredRequest = &Error{Err: CodeUnknownOrExpiredRequest, Description: "unknown or expired authorization request"}
	ErrInvalidGrant            = &Error{Err: CodeInvalidGrant, Description: "grant rejected by the identity provider"}
	ErrTokenValidation         = &Error{Err: CodeTokenValidation, Description: "token validation failed"}
	ErrStorageUnavailable      = &Error{Err: CodeStorageUnavailable, Description: "storage unavailable"}
	ErrUnsupportedOperation    = &Error{Err: CodeUnsupportedOperation, Description: "unsupported operation"}
	ErrNetwork                 = &Error{Err: CodeNetwork, Description: "identity provider unreachable"}
	ErrNotAuthenticated        = &Error{Err: CodeNotAuthenticated, Description: "not authenticated"}
	ErrInvalidRequest          = &Error{Err: CodeInvalidRequest}
	ErrAuthorizationFailed     = &Error{Err: CodeAuthorizationFailed, Description: "authorization failed"}
	ErrAbandoned               = &Error{Err: CodeAbandoned, Description: "call abandoned, outcome unknown"}
	ErrUnknown                 = &Error{Err: CodeUnknown, Description: "unknown error"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Err, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code, so that rehydrated and
// wrapped errors compare equal to the predefined ones.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Err == e.Err
}

// New returns an error of the given kind with a formatted description.
func New(code Code, format string, args ...any) *Error {
	return &Error{Err: code, Description: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(code Code, err error, description string) *Error {
	if description == "" && err != nil {
		description = err.Error()
	} else if err != nil {
		description = description + ": " + err.Error()
	}

	return &Error{Err: code, Description: description, cause: err}
}

// CodeOf returns the kind of err, or CodeUnknown when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Err
	}

	return CodeUnknown
}

// FromWire rehydrates an error received in a response envelope.
func FromWire(kind, message string) error {
	code := Code(kind)
	if code == "" {
		code = CodeUnknown
	}

	return &Error{Err: code, Description: message}
}

// Description returns the message to put on the wire for err.
func Description(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Description != "" {
			return e.Description
		}

		return string(e.Err)
	}

	return err.Error()
}
