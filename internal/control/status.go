package control

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"wrapfs/internal/registry"
)

var (
	// ErrFaultOnCopy indicates a request or reply could not be copied across
	// the control boundary in full.
	ErrFaultOnCopy = errors.New("bad address")

	// ErrPermissionDenied indicates the peer is not allowed to administer
	// the mount.
	ErrPermissionDenied = errors.New("operation not permitted")
)

// Status is the result code carried in every response.
type Status uint32

// Status codes. Values are part of the wire format.
const (
	StatusOK Status = iota
	StatusNotFound
	StatusOutOfMemory
	StatusInvalidArgument
	StatusFaultOnCopy
	StatusPermissionDenied
)

var statusErrors = map[Status]error{
	StatusNotFound:         registry.ErrNotFound,
	StatusOutOfMemory:      registry.ErrOutOfMemory,
	StatusInvalidArgument:  registry.ErrInvalidArgument,
	StatusFaultOnCopy:      ErrFaultOnCopy,
	StatusPermissionDenied: ErrPermissionDenied,
}

// Err returns the sentinel error for s, or nil for StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrors[s]; ok {
		return err
	}
	return errors.Errorf("unknown status %d", uint32(s))
}

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	if err, ok := statusErrors[s]; ok {
		return err.Error()
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// StatusOf maps an error returned by the registry or the filesystem onto
// its wire status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return StatusNotFound
	case errors.Is(err, registry.ErrOutOfMemory):
		return StatusOutOfMemory
	case errors.Is(err, ErrFaultOnCopy):
		return StatusFaultOnCopy
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission):
		return StatusPermissionDenied
	default:
		return StatusInvalidArgument
	}
}
