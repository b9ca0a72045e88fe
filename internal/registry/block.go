package registry

import (
	"github.com/pkg/errors"
)

// Lower is a pinned reference to the real object a stacked entry wraps.
type Lower interface {
	// Release drops the reference. It is called exactly once.
	Release()
}

// Handle is the stacked filesystem's view of the entry being blocked.
type Handle interface {
	// ResolveLower pins the lower object for the duration of a block.
	ResolveLower() (Lower, error)

	// InvalidateCachedLookup drops any cached name lookup of the entry so
	// the next lookup consults the registry again. It may take filesystem
	// locks and is therefore never called with the registry lock held.
	InvalidateCachedLookup()
}

// Block marks (path, ino) blocked, creating the entry if necessary, and
// invalidates any cached lookup of h. The lower object is pinned for the
// whole call and released on every return path; the invalidation runs even
// when the table could not be updated.
func (r *Registry) Block(h Handle, path string, ino uint64) error {
	defer h.InvalidateCachedLookup()

	lower, err := h.ResolveLower()
	if err != nil {
		return errors.Wrapf(err, "resolve lower object of %s", path)
	}
	defer lower.Release()

	if err := r.set(path, ino, FlagBlocked); err != nil {
		return err
	}
	logger.Debug("block %s:%d", path, ino)
	return nil
}
