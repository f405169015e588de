package dispatch

import (
	"errors"
	"fmt"
)

// ErrorCode is the category of a dispatcher error.
//
// The kernel adapter translates codes to errno values; collaborator
// errors never cross the dispatcher boundary unclassified.
type ErrorCode int

const (
	// ErrNotFound indicates the path has no attributes or entry
	ErrNotFound ErrorCode = iota + 1

	// ErrAlreadyExists indicates an exclusive create hit an existing file
	ErrAlreadyExists

	// ErrPermissionDenied indicates a mutation outside the writable
	// namespace, or a read through a handle open for writing
	ErrPermissionDenied

	// ErrNotSupported indicates an operation the filesystem does not
	// implement, such as renaming a directory
	ErrNotSupported

	// ErrIOFailure indicates a backing store failure, an invalid handle,
	// or a conflict with an open writer
	ErrIOFailure

	// ErrNotEmpty indicates rmdir of a directory with entries
	ErrNotEmpty

	// ErrIsDirectory indicates a file operation on a directory
	ErrIsDirectory

	// ErrNotDirectory indicates a directory operation on a file
	ErrNotDirectory

	// ErrInvalidArgument indicates malformed parameters
	ErrInvalidArgument
)

var codeNames = map[ErrorCode]string{
	ErrNotFound:         "not found",
	ErrAlreadyExists:    "already exists",
	ErrPermissionDenied: "permission denied",
	ErrNotSupported:     "not supported",
	ErrIOFailure:        "i/o failure",
	ErrNotEmpty:         "directory not empty",
	ErrIsDirectory:      "is a directory",
	ErrNotDirectory:     "not a directory",
	ErrInvalidArgument:  "invalid argument",
}

// String returns a short description of the code.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the only error type returned by Dispatcher methods.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Op is the operation that failed
	Op string

	// Path is the path the operation targeted
	Path string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op + " " + e.Path + ": " + e.Code.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of err, or 0 when err is nil or not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func newError(code ErrorCode, op, path string, cause error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: cause}
}
