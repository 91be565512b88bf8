package protocol

import (
	"errors"
	"fmt"
)

// Code enumerates the error kinds surfaced to clients.
type Code string

const (
	CodeUnknownType    Code = "unknown_type"
	CodeUnauthorized   Code = "unauthorized"
	CodeNotFound       Code = "not_found"
	CodeRateLimited    Code = "rate_limited"
	CodeInvalidState   Code = "invalid_state"
	CodeInvalidPayload Code = "invalid_payload"
	CodeInternal       Code = "internal"
)

// Error is a client-safe failure carrying a wire code.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code so callers can use errors.Is with sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Code == e.Code && (other.Message == "" || other.Message == e.Message)
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels usable with errors.Is to test a failure's code.
var (
	ErrUnknownType    = &Error{Code: CodeUnknownType}
	ErrUnauthorized   = &Error{Code: CodeUnauthorized}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrRateLimited    = &Error{Code: CodeRateLimited}
	ErrInvalidState   = &Error{Code: CodeInvalidState}
	ErrInvalidPayload = &Error{Code: CodeInvalidPayload}
	ErrInternal       = &Error{Code: CodeInternal}
)

// AsError maps any error onto a client-safe protocol error. Unknown failures become internal
// with a generic message so store or driver details never reach the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) && perr != nil {
		return perr
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// CodeOf returns the wire code for err.
func CodeOf(err error) Code {
	if perr := AsError(err); perr != nil {
		return perr.Code
	}
	return ""
}

// Internal wraps a failure from a critical path as an internal error while keeping the cause
// available to server-side logging through errors.Unwrap.
func Internal(cause error) error {
	return &internalError{cause: cause}
}

type internalError struct {
	cause error
}

func (e *internalError) Error() string { return "internal: " + e.cause.Error() }

func (e *internalError) Unwrap() []error {
	return []error{&Error{Code: CodeInternal, Message: "internal error"}, e.cause}
}

// ErrorEnvelope renders a protocol error as an error{code,message} envelope.
func ErrorEnvelope(err error) Envelope {
	perr := AsError(err)
	if perr == nil {
		perr = &Error{Code: CodeInternal, Message: "internal error"}
	}
	fields := map[string]any{"code": string(perr.Code)}
	if perr.Message != "" {
		fields["message"] = perr.Message
	}
	return New("error", fields)
}
