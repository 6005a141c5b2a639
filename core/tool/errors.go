package tool

import (
	"errors"
	"fmt"
)

// Code classifies a failure so transports can map it without string matching.
type Code string

const (
	CodeNotFound    Code = "NOT_FOUND"
	CodeForbidden   Code = "FORBIDDEN"
	CodeConflict    Code = "CONFLICT"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal    Code = "INTERNAL_ERROR"
)

// Error is the single error type surfaced by the services in this module.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code, so errors.Is(err, ErrConflict) works for any
// conflict regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// With returns e with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

var (
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrForbidden   = &Error{Code: CodeForbidden}
	ErrConflict    = &Error{Code: CodeConflict}
	ErrValidation  = &Error{Code: CodeValidation}
	ErrUnavailable = &Error{Code: CodeUnavailable}
	ErrInternal    = &Error{Code: CodeInternal}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

func Internal(format string, args ...any) *Error {
	return newError(CodeInternal, format, args...)
}

// Conflict carries the expected/current pair that lost the race.
func Conflict(message string, expected, current any) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: message,
		Details: map[string]any{"expected": expected, "current": current},
	}
}

// Conflictf is a conflict without an expected/current pair.
func Conflictf(format string, args ...any) *Error {
	return newError(CodeConflict, format, args...)
}

// Unavailable wraps a transient dependency failure.
func Unavailable(err error, format string, args ...any) *Error {
	e := newError(CodeUnavailable, format, args...)
	e.Err = err
	return e
}

// Wrap turns an arbitrary storage error into an internal error, leaving
// already classified errors untouched.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	e := newError(CodeInternal, format, args...)
	e.Err = err
	return e
}

// CodeOf extracts the code of err; unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// ResultCode labels an outcome for metrics: "OK" or the error code.
func ResultCode(err error) string {
	if err == nil {
		return "OK"
	}
	return string(CodeOf(err))
}
