package fs

import (
	"bazil.org/fuse"
	"golang.org/x/sys/unix"

	"wrapfs/internal/registry"
)

// lowerRef pins a lower object through an O_PATH descriptor.
type lowerRef struct {
	fd   int
	path string
}

// Release implements registry.Lower.
func (l *lowerRef) Release() {
	if err := unix.Close(l.fd); err != nil {
		vfsLogger.Warn("Failed to release lower object %q: %v", l.path, err)
	}
}

// entryHandle is the registry's handle on one entry of this mount.
type entryHandle struct {
	fs   *WrapFS
	path *VirtualPath
}

// ResolveLower implements registry.Handle.
func (h *entryHandle) ResolveLower() (registry.Lower, error) {
	lower := h.path.Lower(h.fs.sourceDir)
	fd, err := unix.Open(lower, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, NewFSError(OpResolve, h.path.String(), err)
	}
	vfsLogger.Trace("Pinned lower object %q (fd %d)", lower, fd)
	return &lowerRef{fd: fd, path: lower}, nil
}

// InvalidateCachedLookup implements registry.Handle. It asks the kernel to
// drop its dentry for the entry so the next access comes back through
// Lookup. Nothing to do if the kernel never learned about the parent.
func (h *entryHandle) InvalidateCachedLookup() {
	h.fs.mu.Lock()
	srv := h.fs.server
	h.fs.mu.Unlock()

	parent := h.fs.cachedNode(h.path.Parent())
	if srv == nil || parent == nil {
		vfsLogger.Trace("No cached parent for %q, nothing to invalidate", h.path.String())
		return
	}

	err := srv.InvalidateEntry(parent, h.path.Base())
	switch err {
	case nil:
		vfsLogger.Debug("Invalidated cached entry %q", h.path.String())
	case fuse.ErrNotCached:
		vfsLogger.Trace("Entry %q was not cached", h.path.String())
	default:
		vfsLogger.Warn("Failed to invalidate entry %q: %v", h.path.String(), err)
	}
}

// HandleFor implements control.Resolver: it returns the handle of the
// entry at the mount path p.
func (w *WrapFS) HandleFor(p string) (registry.Handle, error) {
	vp := NewVirtualPath(p)
	if vp.IsRoot() {
		return nil, NewFSError(OpResolve, p, ErrInvalidPath)
	}
	if _, _, err := w.lstat(OpResolve, vp); err != nil {
		return nil, err
	}
	return &entryHandle{fs: w, path: vp}, nil
}
