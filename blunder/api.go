// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// Every error produced by the tile cache, the swap stores, and the pixel region
// layer carries a CacheError classification so that the first layer able to
// report to the user (typically a filter's entry point) can decide what to say
// without string matching.
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry records a stack trace with each wrapped error and lets us attach the
// classification as a value: merry.WithValue(e, "errno", 12345).
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/tilecache/logger"
)

// CacheError classifies a failure in the tile cache stack.
//
// Where a linux/POSIX errno describes the condition well it is used as the
// value. Conditions with no errno equivalent live at 1000 and above.
//
type CacheError int

const (
	NotFoundError       CacheError = CacheError(int(unix.ENOENT))  // Tile has no swap record
	IOError             CacheError = CacheError(int(unix.EIO))     // Swap store I/O failed
	OutOfMemoryError    CacheError = CacheError(int(unix.ENOMEM))  // Tile buffer or metadata allocation failed
	InvalidArgError     CacheError = CacheError(int(unix.EINVAL))  // Bad drawable, coordinate, or configuration
	DevBusyError        CacheError = CacheError(int(unix.EBUSY))   // Tile is held and cannot be purged or zeroed
	OutOfRangeError     CacheError = CacheError(int(unix.ERANGE))  // Row/col or pixel outside the drawable
	NotSupportedError   CacheError = CacheError(int(unix.ENOTSUP)) // Operation not supported by this store
	BadFileError        CacheError = CacheError(int(unix.EBADF))   // Store already closed
	NoSpaceError        CacheError = CacheError(int(unix.ENOSPC))  // Scratch file cannot grow
	TooManyHoldersError CacheError = CacheError(int(unix.EOVERFLOW))
)

// Errors that map to constants already defined above
const (
	SwapReadError   CacheError = IOError
	SwapWriteError  CacheError = IOError
	NoDrawableError CacheError = InvalidArgError
	BadGeometry     CacheError = InvalidArgError
)

// SuccessError is the classification of a nil error.
const SuccessError CacheError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to the tile cache
	CorruptTileError CacheError = 1000 + iota
	UnpackError
	PackError
)

const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified CacheError constant
func (err CacheError) Value() int {
	return int(err)
}

func (err CacheError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case NotFoundError:
		return "NotFoundError"
	case IOError:
		return "IOError"
	case OutOfMemoryError:
		return "OutOfMemoryError"
	case InvalidArgError:
		return "InvalidArgError"
	case DevBusyError:
		return "DevBusyError"
	case OutOfRangeError:
		return "OutOfRangeError"
	case NotSupportedError:
		return "NotSupportedError"
	case BadFileError:
		return "BadFileError"
	case NoSpaceError:
		return "NoSpaceError"
	case TooManyHoldersError:
		return "TooManyHoldersError"
	case CorruptTileError:
		return "CorruptTileError"
	case UnpackError:
		return "UnpackError"
	case PackError:
		return "PackError"
	default:
		return fmt.Sprintf("CacheError(%d)", int(err))
	}
}

// NewError creates a new merry/blunder.CacheError-annotated error using the given
// format string and arguments.
func NewError(errValue CacheError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add CacheError detail to a Go error.
//
// NOTE: merry replaces a previous value; we log when that happens since it is
//       usually a sign that a lower layer already classified the failure.
//
func AddError(e error, errValue CacheError) error {
	if e == nil {
		// The caller intends a non-nil error even without context
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

func hasErrnoValue(e error) bool {
	return merry.Value(e, "errno") != nil
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		return successErrno
	}

	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// Classify returns the CacheError carried by e (SuccessError for nil).
func Classify(e error) CacheError {
	return CacheError(Errno(e))
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, CacheError(tmp.(int)))
	}

	return errPlusVal
}

// Is checks if an error matches a particular CacheError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between CacheErrors that use the same errno value
//       (e.g. SwapReadError and IOError).
//
func Is(e error, theError CacheError) bool {
	return Errno(e) == theError.Value()
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
