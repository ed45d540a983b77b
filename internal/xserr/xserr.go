// Package xserr defines the closed set of wire error codes the protocol can
// report, plus an error type that carries one of them alongside an optional
// wrapped cause.
package xserr

import (
	"errors"
	"fmt"
)

// Code is one of the wire protocol's error names. The set is closed: these
// are the only strings ever placed in an XS_ERROR reply body.
type Code string

const (
	EINVAL    Code = "EINVAL"
	EACCES    Code = "EACCES"
	EEXIST    Code = "EEXIST"
	EISDIR    Code = "EISDIR"
	ENOENT    Code = "ENOENT"
	ENOMEM    Code = "ENOMEM"
	ENOSPC    Code = "ENOSPC"
	EIO       Code = "EIO"
	ENOTEMPTY Code = "ENOTEMPTY"
	ENOSYS    Code = "ENOSYS"
	EROFS     Code = "EROFS"
	EBUSY     Code = "EBUSY"
	EAGAIN    Code = "EAGAIN"
	EISCONN   Code = "EISCONN"
	E2BIG     Code = "E2BIG"
)

// Error wraps a Code with a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries cause as its Unwrap target.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the wire Code from err, defaulting to EIO for any error
// that isn't an *Error — an unexpected internal failure, not a documented
// protocol-level rejection.
func CodeOf(err error) Code {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return EIO
}
