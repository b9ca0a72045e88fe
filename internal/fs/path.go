package fs

import (
	"path"
	"path/filepath"
	"strings"

	"wrapfs/internal/logging"
)

var (
	pathLogger = logging.GetLogger().WithPrefix("path")
)

// VirtualPath represents a path inside the mount.
// All paths are absolute; "/" is the mount root.
type VirtualPath struct {
	// always starts with /, never ends with / unless root
	path string
}

// NewVirtualPath creates a new VirtualPath instance.
// It cleans the path and ensures it's absolute.
func NewVirtualPath(p string) *VirtualPath {
	cleaned := path.Clean("/" + p)
	pathLogger.Trace("Creating new virtual path: %q -> %q", p, cleaned)
	return &VirtualPath{path: cleaned}
}

// String returns the string representation of the path
func (vp *VirtualPath) String() string {
	return vp.path
}

// Parent returns a VirtualPath representing the parent directory
func (vp *VirtualPath) Parent() *VirtualPath {
	return NewVirtualPath(path.Dir(vp.path))
}

// Base returns the last element of the path
func (vp *VirtualPath) Base() string {
	return path.Base(vp.path)
}

// IsRoot returns true if this is the root virtual path "/"
func (vp *VirtualPath) IsRoot() bool {
	return vp.path == "/"
}

// Join returns the path of the child name of vp.
func (vp *VirtualPath) Join(name string) *VirtualPath {
	return NewVirtualPath(vp.path + "/" + name)
}

// Lower returns the path of the object vp wraps in the source tree rooted
// at sourceRoot.
func (vp *VirtualPath) Lower(sourceRoot string) string {
	full := filepath.Join(sourceRoot, filepath.FromSlash(strings.TrimPrefix(vp.path, "/")))
	pathLogger.Trace("Getting lower path: %q + %q -> %q", sourceRoot, vp.path, full)
	return full
}
