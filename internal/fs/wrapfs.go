package fs

import (
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"

	"wrapfs/internal/config"
	"wrapfs/internal/logging"
	"wrapfs/internal/registry"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// FSName is the name wrapfs mounts show up under; the mount type is
// "fuse.wrapfs".
const FSName = "wrapfs"

// WrapFS is one mount instance of the stacking filesystem. It passes reads
// through to the source directory and filters every lookup and listing
// through its registry.
//
// LOCK ORDERING
//
// Kernel-side directory locks may be held while FUSE requests are served, so
// nothing reachable from a FUSE request may wait on a control request. The
// registry lock is a leaf: it is taken inside node operations and never
// held across calls back into bazil. Entry invalidation is only issued from
// control requests, after the registry lock has been released, and never
// while holding mu.
type WrapFS struct {
	sourceDir string
	reg       *registry.Registry
	uid       int // -1 reports the lower owner
	gid       int

	conn   *fuse.Conn
	server *fusefs.Server

	mu sync.Mutex

	// Nodes handed to the kernel, by mount path. Kept so that entry
	// invalidation can name the parent node the kernel knows.
	//
	// GUARDED_BY(mu)
	nodes map[string]fusefs.Node
}

// NewWrapFS creates a filesystem over cfg.Source. reg is owned by the new
// instance from now on and is purged when the filesystem is destroyed.
func NewWrapFS(cfg *config.Config, reg *registry.Registry) (*WrapFS, error) {
	vfsLogger.Info("Creating new stacked filesystem")
	vfsLogger.Debug("Source directory: %s", cfg.Source)

	if _, err := os.ReadDir(cfg.Source); err != nil {
		return nil, errors.Wrap(err, "source directory not readable")
	}

	w := &WrapFS{
		sourceDir: cfg.Source,
		reg:       reg,
		uid:       cfg.UID,
		gid:       cfg.GID,
		nodes:     make(map[string]fusefs.Node),
	}
	root := NewVirtualPath("/")
	w.nodes[root.String()] = &Dir{fs: w, path: root}
	return w, nil
}

// Registry returns the registry of this mount.
func (w *WrapFS) Registry() *registry.Registry {
	return w.reg
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (w *WrapFS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	return w.node(NewVirtualPath("/"), true), nil
}

// Destroy implements fusefs.FSDestroyer. The registry does not outlive the
// mount.
func (w *WrapFS) Destroy() {
	vfsLogger.Info("Filesystem destroyed, purging registry")
	w.reg.PurgeAll()
}

// node returns the node for vp, creating it if the kernel has not been
// handed one yet.
func (w *WrapFS) node(vp *VirtualPath, isDir bool) fusefs.Node {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n, ok := w.nodes[vp.String()]; ok {
		if _, dir := n.(*Dir); dir == isDir {
			return n
		}
	}

	var n fusefs.Node
	if isDir {
		n = &Dir{fs: w, path: vp}
	} else {
		n = &File{fs: w, path: vp}
	}
	w.nodes[vp.String()] = n
	return n
}

// cachedNode returns the node for vp if one was handed out.
func (w *WrapFS) cachedNode(vp *VirtualPath) fusefs.Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nodes[vp.String()]
}

// forget drops n from the node table if it is still the node for vp.
func (w *WrapFS) forget(vp *VirtualPath, n fusefs.Node) {
	if vp.IsRoot() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nodes[vp.String()] == n {
		delete(w.nodes, vp.String())
	}
}

// lstat returns the attributes of the lower object of vp and its inode.
func (w *WrapFS) lstat(op string, vp *VirtualPath) (os.FileInfo, uint64, error) {
	info, err := os.Lstat(vp.Lower(w.sourceDir))
	if err != nil {
		return nil, 0, NewFSError(op, vp.String(), err)
	}
	return info, inodeOf(info), nil
}

// check consults the registry for the entry vp with lower inode ino.
// Hidden wins over blocked so that a hidden entry does not reveal its
// existence through EACCES.
func (w *WrapFS) check(op string, vp *VirtualPath, ino uint64) error {
	switch {
	case w.reg.IsHidden(vp.String(), ino):
		return NewFSError(op, vp.String(), ErrHidden)
	case w.reg.IsBlocked(vp.String(), ino):
		return NewFSError(op, vp.String(), ErrBlocked)
	}
	return nil
}

// checkBlocked is check for nodes the kernel already holds: a hidden node
// stays usable by whoever already has it, a blocked one does not.
func (w *WrapFS) checkBlocked(op string, vp *VirtualPath) error {
	if vp.IsRoot() {
		return nil
	}
	_, ino, err := w.lstat(op, vp)
	if err != nil {
		return err
	}
	if w.reg.IsBlocked(vp.String(), ino) {
		return NewFSError(op, vp.String(), ErrBlocked)
	}
	return nil
}

// fillAttr copies lower attributes into a, applying ownership overrides.
func (w *WrapFS) fillAttr(info os.FileInfo, a *fuse.Attr) {
	a.Mode = info.Mode()
	a.Size = safeInt64ToUint64(info.Size())
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	a.BlockSize = 4096
	a.Blocks = safeInt64ToUint64((info.Size() + 511) / 512)

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.Inode = st.Ino
		a.Nlink = uint32(st.Nlink)
		a.Uid = st.Uid
		a.Gid = st.Gid
		a.Atime = time.Unix(st.Atim.Unix())
		a.Ctime = time.Unix(st.Ctim.Unix())
		a.Blocks = safeInt64ToUint64(st.Blocks)
	}
	if w.uid >= 0 {
		a.Uid = safeIntToUint32(w.uid)
	}
	if w.gid >= 0 {
		a.Gid = safeIntToUint32(w.gid)
	}
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		mounted, err := mountinfo.Mounted(mountpoint)
		if err == nil && mounted {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.Errorf("%s not mounted after 3 seconds", mountpoint)
}

// Mount mounts the filesystem at mountPoint. Serve must be called to answer
// requests.
func (w *WrapFS) Mount(mountPoint string, allowOther bool) error {
	vfsLogger.Info("Mounting stacked filesystem")
	vfsLogger.Debug("Mount point: %s", mountPoint)
	vfsLogger.Debug("Source directory: %s", w.sourceDir)

	mountOpts := []fuse.MountOption{
		fuse.FSName(FSName),
		fuse.Subtype(FSName),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
	}
	if allowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return errors.Wrap(err, "mount failed")
	}

	w.mu.Lock()
	w.conn = c
	w.server = fusefs.New(c, nil)
	w.mu.Unlock()
	return nil
}

// Serve answers FUSE requests until the filesystem is unmounted.
func (w *WrapFS) Serve() error {
	w.mu.Lock()
	srv, c := w.server, w.conn
	w.mu.Unlock()
	if srv == nil {
		return errors.New("filesystem is not mounted")
	}
	defer c.Close()

	vfsLogger.Info("Serving filesystem...")
	if err := srv.Serve(w); err != nil {
		return errors.Wrap(err, "FUSE server error")
	}
	vfsLogger.Debug("FUSE server stopped")
	return nil
}

// WaitReady blocks until mountPoint shows up in the mount table.
func (w *WrapFS) WaitReady(mountPoint string) error {
	if err := waitForMount(mountPoint); err != nil {
		vfsLogger.Error("Mount point not ready: %v", err)
		return err
	}
	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Unmount cleanly unmounts the filesystem.
func (w *WrapFS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	w.mu.Lock()
	mounted := w.conn != nil
	w.mu.Unlock()
	if !mounted {
		return nil
	}
	if err := fuse.Unmount(mountPoint); err != nil {
		vfsLogger.Error("Unmount failed: %v", err)
		return err
	}
	vfsLogger.Info("Unmount completed successfully")
	return nil
}
