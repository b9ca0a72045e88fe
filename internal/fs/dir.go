package fs

import (
	"context"
	"os"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"wrapfs/internal/logging"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory of the lower tree seen through the mount.
type Dir struct {
	fs   *WrapFS
	path *VirtualPath
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path.String())

	info, _, err := d.fs.lstat(OpGetattr, d.path)
	if err != nil {
		return ToFuseError(err)
	}
	d.fs.fillAttr(info, a)
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
// Hidden children do not exist; blocked children exist but cannot be
// reached. Nothing below a blocked directory can be reached either, even
// through a node the kernel still holds.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.path.String())
	if err := d.fs.checkBlocked(OpLookup, d.path); err != nil {
		dirLogger.Debug("Refusing lookup in blocked directory: %v", err)
		return nil, ToFuseError(err)
	}
	childPath := d.path.Join(name)

	info, ino, err := d.fs.lstat(OpLookup, childPath)
	if err != nil {
		dirLogger.Debug("Path not found: %q", childPath.String())
		return nil, ToFuseError(err)
	}

	if err := d.fs.check(OpLookup, childPath, ino); err != nil {
		dirLogger.Debug("Refusing lookup: %v", err)
		return nil, ToFuseError(err)
	}

	return d.fs.node(childPath, info.IsDir()), nil
}

// Open implements the NodeOpener interface. Blocked directories cannot be
// opened even by a process that already holds them.
func (d *Dir) Open(_ context.Context, _ *fuse.OpenRequest, _ *fuse.OpenResponse) (fusefs.Handle, error) {
	if err := d.fs.checkBlocked(OpOpen, d.path); err != nil {
		dirLogger.Debug("Refusing open: %v", err)
		return nil, ToFuseError(err)
	}
	return d, nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing the lower
// directory without its hidden entries.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path.String())

	if err := d.fs.checkBlocked(OpReadDir, d.path); err != nil {
		return nil, ToFuseError(err)
	}

	f, err := os.Open(d.path.Lower(d.fs.sourceDir))
	if err != nil {
		return nil, ToFuseError(NewFSError(OpReadDir, d.path.String(), err))
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, ToFuseError(NewFSError(OpReadDir, d.path.String(), err))
	}

	entries := make([]fuse.Dirent, 0, len(infos)+2)
	entries = append(entries, fuse.Dirent{Name: ".", Type: fuse.DT_Dir})
	entries = append(entries, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})

	for _, info := range infos {
		childPath := d.path.Join(info.Name())
		ino := inodeOf(info)
		if d.fs.reg.IsHidden(childPath.String(), ino) {
			dirLogger.Trace("Skipping hidden entry: %q", childPath.String())
			continue
		}
		entries = append(entries, fuse.Dirent{
			Inode: ino,
			Name:  info.Name(),
			Type:  direntType(info.Mode()),
		})
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path.String(), len(entries))
	return entries, nil
}

// Remove implements the NodeRemover interface, removing a file or directory
// from the lower tree. Blocked entries cannot be removed. A hidden entry the
// kernel still had cached can, and its registry entry is dropped so that a
// recycled inode number does not inherit its flags.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %q (isDir=%v)",
		req.Name, d.path.String(), req.Dir)
	if err := d.fs.checkBlocked(OpRemove, d.path); err != nil {
		return ToFuseError(err)
	}
	childPath := d.path.Join(req.Name)

	_, ino, err := d.fs.lstat(OpRemove, childPath)
	if err != nil {
		return ToFuseError(err)
	}
	if d.fs.reg.IsBlocked(childPath.String(), ino) {
		return ToFuseError(NewFSError(OpRemove, childPath.String(), ErrBlocked))
	}

	lower := childPath.Lower(d.fs.sourceDir)
	if req.Dir {
		err = unix.Rmdir(lower)
	} else {
		err = unix.Unlink(lower)
	}
	if err != nil {
		dirLogger.Warn("Failed to remove %q: %v", lower, err)
		return ToFuseError(NewFSError(OpRemove, childPath.String(), err))
	}

	d.fs.reg.Remove(childPath.String(), ino)
	if n := d.fs.cachedNode(childPath); n != nil {
		d.fs.forget(childPath, n)
	}

	dirLogger.Info("Successfully removed %q", childPath.String())
	return nil
}

// Forget implements the NodeForgetter interface.
func (d *Dir) Forget() {
	dirLogger.Trace("Kernel forgot directory %q", d.path.String())
	d.fs.forget(d.path, d)
}
