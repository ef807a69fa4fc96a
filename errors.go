package unarchive

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrNoValue = errors.New("no value")
var ErrNotSupported = errors.New("not supported")

type NotSupportedError struct {
	Type reflect.Type
}

func (n NotSupportedError) Error() string {
	return fmt.Sprintf("type %q is not supported", n.Type)
}

// Code classifies the failure of an unarchive operation.
type Code int

const (
	CodeFileNotFound Code = iota + 1
	CodePermissionDenied
	CodeNotRegularFile
	CodeReadFailed
	CodeMalformedArchive
	CodeUnknownType
	CodeDecodeFailed
)

// ErrorDomain is the domain reported by [Error.Domain]. It matches the domain
// Foundation uses for file and coder errors.
const ErrorDomain = "NSCocoaErrorDomain"

func (c Code) String() string {
	switch c {
	case CodeFileNotFound:
		return "file not found"
	case CodePermissionDenied:
		return "permission denied"
	case CodeNotRegularFile:
		return "not a regular file"
	case CodeReadFailed:
		return "read failed"
	case CodeMalformedArchive:
		return "malformed archive"
	case CodeUnknownType:
		return "unknown type"
	case CodeDecodeFailed:
		return "decode failed"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// IsFilesystem reports whether the failure happened while accessing the file,
// before any content was parsed.
func (c Code) IsFilesystem() bool {
	switch c {
	case CodeFileNotFound, CodePermissionDenied, CodeNotRegularFile, CodeReadFailed:
		return true
	default:
		return false
	}
}

// CocoaCode returns the Foundation error code that corresponds to c.
func (c Code) CocoaCode() int {
	switch c {
	case CodeFileNotFound:
		return 260 // NSFileReadNoSuchFileError
	case CodePermissionDenied:
		return 257 // NSFileReadNoPermissionError
	case CodeNotRegularFile, CodeReadFailed:
		return 256 // NSFileReadUnknownError
	case CodeMalformedArchive, CodeUnknownType:
		return 4864 // NSCoderReadCorruptError
	default:
		return 4866 // NSCoderInvalidValueError
	}
}

// Error describes why an archive could not be unarchived.
type Error struct {
	Code Code

	// Path of the archive file, empty when decoding from memory.
	Path string

	// ClassName is set for CodeUnknownType.
	ClassName string

	Err error
}

// Sentinel values to match an *Error by code using errors.Is.
var (
	ErrFileNotFound     = &Error{Code: CodeFileNotFound}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrNotRegularFile   = &Error{Code: CodeNotRegularFile}
	ErrReadFailed       = &Error{Code: CodeReadFailed}
	ErrMalformedArchive = &Error{Code: CodeMalformedArchive}
	ErrUnknownType      = &Error{Code: CodeUnknownType}
	ErrDecodeFailed     = &Error{Code: CodeDecodeFailed}
)

func (e *Error) Error() string {
	msg := "unarchive"
	if e.Path != "" {
		msg += " " + e.Path
	}

	msg += ": " + e.Code.String()

	if e.ClassName != "" {
		msg += fmt.Sprintf(" %q", e.ClassName)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so that the exported sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Domain returns the error domain, see ErrorDomain.
func (e *Error) Domain() string {
	return ErrorDomain
}

// codedError carries a failure code through the decoder until classify turns it
// into an *Error at the API boundary.
type codedError struct {
	code      Code
	className string
	err       error
}

func (c *codedError) Error() string {
	if c.code == CodeUnknownType && c.err == nil {
		return fmt.Sprintf("class %q is not registered", c.className)
	}

	return c.err.Error()
}

func (c *codedError) Unwrap() error {
	return c.err
}

func malformedf(format string, args ...any) error {
	return &codedError{code: CodeMalformedArchive, err: fmt.Errorf(format, args...)}
}

func unknownClass(className string) error {
	return &codedError{code: CodeUnknownType, className: className}
}

func classMismatch(className string, ty reflect.Type) error {
	return &codedError{
		code:      CodeUnknownType,
		className: className,
		err:       fmt.Errorf("class %q does not decode into %s", className, ty),
	}
}

// classify turns any error into an *Error. Errors that carry a code keep it,
// everything else is a decode failure.
func classify(path string, err error) *Error {
	var archiveErr *Error
	if errors.As(err, &archiveErr) {
		result := *archiveErr
		result.Path = path
		return &result
	}

	var coded *codedError
	if errors.As(err, &coded) {
		return &Error{Code: coded.code, Path: path, ClassName: coded.className, Err: err}
	}

	return &Error{Code: CodeDecodeFailed, Path: path, Err: err}
}
