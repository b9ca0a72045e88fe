// Package fs provides the stacking filesystem served over FUSE.
//
// This file contains error types and error handling utilities.
package fs

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"

	"wrapfs/internal/logging"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrPathNotFound indicates a path doesn't exist in the lower tree
	ErrPathNotFound = errors.New("path not found")

	// ErrInvalidPath indicates an invalid path format
	ErrInvalidPath = errors.New("invalid path format")

	// ErrReadOnly indicates attempt to open a file for writing
	ErrReadOnly = errors.New("filesystem is read-only")

	// ErrHidden indicates the entry is hidden by the registry
	ErrHidden = errors.New("entry is hidden")

	// ErrBlocked indicates the entry is blocked by the registry
	ErrBlocked = errors.New("entry is blocked")
)

// Error wraps filesystem errors with context about the operation and
// affected path to provide more detailed error information.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "readdir")
	Path string // Affected path
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// ToFuseError converts an error to the errno FUSE should report.
// Registry decisions map to ENOENT (hidden) and EACCES (blocked); errors
// from the lower filesystem keep their errno.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var fsErr *Error
	if errors.As(err, &fsErr) {
		errLogger.Trace("Converting FSError to FUSE error: %v", fsErr)

		switch {
		case errors.Is(fsErr.Err, ErrPathNotFound), errors.Is(fsErr.Err, ErrHidden):
			return syscall.ENOENT
		case errors.Is(fsErr.Err, ErrBlocked):
			return syscall.EACCES
		case errors.Is(fsErr.Err, ErrInvalidPath):
			return syscall.EINVAL
		case errors.Is(fsErr.Err, ErrReadOnly):
			return syscall.EPERM
		}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	errLogger.Trace("Converting standard error to FUSE error: %v", err)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}

// NewFSError creates a new FSError with the given operation, path, and underlying error
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Debug("Created new FSError: %v", fsErr)
	return fsErr
}

// Common operation names for consistent logging and error reporting
const (
	OpLookup    = "lookup"    // Looking up a path
	OpReadDir   = "readdir"   // Reading directory contents
	OpOpen      = "open"      // Opening a file
	OpRead      = "read"      // Reading from a file
	OpRemove    = "remove"    // Removing a file or directory
	OpGetattr   = "getattr"   // Getting file attributes
	OpReadlink  = "readlink"  // Reading a symlink target
	OpGetxattr  = "getxattr"  // Reading an extended attribute
	OpListxattr = "listxattr" // Listing extended attributes
	OpResolve   = "resolve"   // Pinning a lower object for the control plane
)
