package registry

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when clearing a flag of an entry that does not
	// exist.
	ErrNotFound = errors.New("no such entry")

	// ErrOutOfMemory is returned when a new entry cannot be allocated.
	ErrOutOfMemory = errors.New("cannot allocate entry")

	// ErrInvalidArgument is returned for malformed paths and zero capacity
	// listings.
	ErrInvalidArgument = errors.New("invalid argument")
)
