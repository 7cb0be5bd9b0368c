package rsstatus

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies every error returned by the client library.
type Code uint8

const (
	// Unknown is reported by CodeOf for errors that did not originate here.
	Unknown Code = iota

	// NotConnected means the operation was attempted before the parent
	// server was connected, or after it (or the object) was torn down.
	NotConnected

	// InvalidArgument means a caller-supplied value was rejected, e.g. a
	// poll interval below the floor or a duplicate subscription handle.
	InvalidArgument

	// AllocationFailure means a goroutine, signal or queue could not be
	// created. Fatal to the operation, not to the process.
	AllocationFailure

	// TransportFailure means the external source failed to register,
	// unregister or otherwise serve a callback path.
	TransportFailure

	// Timeout means a teardown exceeded its bounded budget. It is logged and
	// never surfaced as a hard failure from Destroy or Deactivate.
	Timeout
)

var codeNames = map[Code]string{
	Unknown:           "Unknown",
	NotConnected:      "NotConnected",
	InvalidArgument:   "InvalidArgument",
	AllocationFailure: "AllocationFailure",
	TransportFailure:  "TransportFailure",
	Timeout:           "Timeout",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Error is the shared status type. The zero value is not useful; use New,
// Newf or Wrap.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Cause supports github.com/pkg/errors.Cause.
func (e *Error) Cause() error {
	return e.cause
}

// Unwrap supports errors.Is and errors.As from the standard library.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, rsstatus.ErrNotConnected).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.cause == nil
}

// Sentinels for errors.Is matching. They carry only a code.
var (
	ErrNotConnected      = &Error{Code: NotConnected}
	ErrInvalidArgument   = &Error{Code: InvalidArgument}
	ErrAllocationFailure = &Error{Code: AllocationFailure}
	ErrTransportFailure  = &Error{Code: TransportFailure}
	ErrTimeout           = &Error{Code: Timeout}
)

func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil. An err
// that already carries a status code keeps its code.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	if existing := CodeOf(err); existing != Unknown {
		code = existing
	}
	return &Error{Code: code, Message: msg, cause: errors.WithStack(err)}
}

// CodeOf returns the status code carried by err or anything it wraps.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Unknown
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
