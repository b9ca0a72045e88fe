package control

import (
	"math"

	"github.com/pkg/errors"

	"wrapfs/internal/logging"
	"wrapfs/internal/registry"
)

var (
	handlerLogger = logging.GetLogger().WithPrefix("control")
)

// Resolver finds the stacked entry a hide or block request names. The path
// is the mount-relative path carried in the request.
type Resolver interface {
	HandleFor(path string) (registry.Handle, error)
}

// Handler applies decoded control requests to the registry of one mount.
type Handler struct {
	reg      *registry.Registry
	resolver Resolver
}

// NewHandler returns a Handler serving reg. resolver is consulted for
// OpHide and OpBlock; it may be nil, in which case OpBlock fails.
func NewHandler(reg *registry.Registry, resolver Resolver) *Handler {
	return &Handler{
		reg:      reg,
		resolver: resolver,
	}
}

// Handle executes one request and returns its response. Errors never escape
// as anything but a status code.
func (h *Handler) Handle(req *Request) *Response {
	path := req.PathString()
	handlerLogger.Debug("Handling %s %q:%d", req.Op, path, req.Inode)

	var err error
	switch req.Op {
	case OpHide:
		err = h.hide(path, req.Inode)
	case OpUnhide:
		err = h.reg.Unhide(path, req.Inode)
	case OpBlock:
		err = h.block(path, req.Inode)
	case OpUnblock:
		err = h.reg.Unblock(path, req.Inode)
	case OpGetListSize:
		return &Response{Status: StatusOK, Value: uint64(h.reg.ListSize())}
	case OpGetList:
		return h.list(req.Capacity)
	default:
		handlerLogger.Warn("Unknown opcode %d", uint32(req.Op))
		err = registry.ErrInvalidArgument
	}

	if err != nil {
		handlerLogger.Debug("%s %q:%d failed: %v", req.Op, path, req.Inode, err)
	}
	return &Response{Status: StatusOf(err)}
}

// hide hides (path, ino) and then drops any cached lookup of the entry, so
// a dentry the kernel picked up just before the request does not keep the
// name resolvable. The entry may no longer exist below; the hide still
// stands.
func (h *Handler) hide(path string, ino uint64) error {
	if err := h.reg.Hide(path, ino); err != nil {
		return err
	}
	if h.resolver == nil {
		return nil
	}
	handle, err := h.resolver.HandleFor(path)
	if err != nil {
		handlerLogger.Debug("Not invalidating hidden entry %q: %v", path, err)
		return nil
	}
	handle.InvalidateCachedLookup()
	return nil
}

// block resolves the stacked entry for path and blocks it. The handle only
// lives for this request.
func (h *Handler) block(path string, ino uint64) error {
	if h.resolver == nil {
		return errors.Wrap(registry.ErrInvalidArgument, "no filesystem attached")
	}
	handle, err := h.resolver.HandleFor(path)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", path)
	}
	return h.reg.Block(handle, path, ino)
}

// list serves OpGetList. The registry snapshot is taken under the registry
// lock; conversion to wire entries and the copy to the caller happen after
// it has been released.
func (h *Handler) list(capacity uint64) *Response {
	if capacity == 0 {
		return &Response{Status: StatusInvalidArgument}
	}
	if capacity > math.MaxInt32 {
		capacity = math.MaxInt32
	}

	recs, err := h.reg.ListCopy(int(capacity))
	if err != nil {
		return &Response{Status: StatusOf(err)}
	}

	entries := make([]Entry, len(recs))
	for i, rec := range recs {
		entries[i] = EntryFromRecord(rec)
	}
	return &Response{
		Status:  StatusOK,
		Value:   uint64(len(entries)),
		Entries: entries,
	}
}
