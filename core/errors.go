package core

import (
	"errors"
	"fmt"
)

// Code classifies service errors into a small machine-readable taxonomy.
// Callers branch on codes (via the Is* helpers) rather than on error strings.
type Code string

const (
	// CodeAlreadyExists signals a uniqueness violation, e.g. creating a
	// session with an identifier that is already taken.
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	// CodeNotFound signals that the addressed entity does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidArgument signals a request that is malformed independent of
	// store contents, e.g. a session-scoped artifact without a session id.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeStaleWrite signals an optimistic concurrency failure: the caller's
	// view of a session is older than the stored revision.
	CodeStaleWrite Code = "STALE_WRITE"
	// CodeStorage signals a backend I/O or driver failure.
	CodeStorage Code = "STORAGE"
	// CodeUnsupported signals an operation the selected backend does not
	// provide.
	CodeUnsupported Code = "UNSUPPORTED"
)

// Error is the domain error type carrying a code and an optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable description
	Cause   error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
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

// NewError creates a domain error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorf creates a domain error with a formatted message.
func NewErrorf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError creates a domain error that wraps an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the Code from err, or empty string when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsAlreadyExists reports whether err carries CodeAlreadyExists.
func IsAlreadyExists(err error) bool { return hasCode(err, CodeAlreadyExists) }

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsInvalidArgument reports whether err carries CodeInvalidArgument.
func IsInvalidArgument(err error) bool { return hasCode(err, CodeInvalidArgument) }

// IsStaleWrite reports whether err carries CodeStaleWrite.
func IsStaleWrite(err error) bool { return hasCode(err, CodeStaleWrite) }

// IsStorage reports whether err carries CodeStorage.
func IsStorage(err error) bool { return hasCode(err, CodeStorage) }

// IsUnsupported reports whether err carries CodeUnsupported.
func IsUnsupported(err error) bool { return hasCode(err, CodeUnsupported) }
