package fs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"wrapfs/internal/logging"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File represents a non-directory entry of the lower tree: regular files,
// symlinks and special files.
type File struct {
	fs   *WrapFS
	path *VirtualPath
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.path.String())

	info, _, err := f.fs.lstat(OpGetattr, f.path)
	if err != nil {
		fileLogger.Debug("Lower file gone: %v", err)
		return ToFuseError(err)
	}
	f.fs.fillAttr(info, a)

	fileLogger.Trace("File attributes: mode=%v, size=%d, mtime=%v",
		a.Mode, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface, opening the lower file.
// Blocked files cannot be opened, hidden ones can by whoever still holds
// them.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	flags := int(req.Flags)
	fileLogger.Debug("Opening file %q with flags %v", f.path.String(), flags)

	if flags&os.O_WRONLY != 0 || flags&os.O_RDWR != 0 {
		fileLogger.Warn("Attempted write access to read-only file: %q", f.path.String())
		return nil, ToFuseError(NewFSError(OpOpen, f.path.String(), ErrReadOnly))
	}
	if err := f.fs.checkBlocked(OpOpen, f.path); err != nil {
		fileLogger.Debug("Refusing open: %v", err)
		return nil, ToFuseError(err)
	}

	file, err := os.OpenFile(f.path.Lower(f.fs.sourceDir), os.O_RDONLY, 0)
	if err != nil {
		fileLogger.Error("Failed to open file: %v", err)
		return nil, ToFuseError(NewFSError(OpOpen, f.path.String(), err))
	}

	resp.Flags |= fuse.OpenKeepCache

	fileLogger.Debug("Successfully opened file %q", f.path.String())
	return &FileHandle{
		file: file,
		path: f.path.String(),
	}, nil
}

// Readlink implements the NodeReadlinker interface.
func (f *File) Readlink(_ context.Context, _ *fuse.ReadlinkRequest) (string, error) {
	target, err := os.Readlink(f.path.Lower(f.fs.sourceDir))
	if err != nil {
		return "", ToFuseError(NewFSError(OpReadlink, f.path.String(), err))
	}
	fileLogger.Trace("Symlink %q points to %q", f.path.String(), target)
	return target, nil
}

// Getxattr implements the NodeGetxattrer interface, reading an extended
// attribute of the lower file.
func (f *File) Getxattr(_ context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	fileLogger.Debug("Getting xattr %q for file %q", req.Name, f.path.String())
	lower := f.path.Lower(f.fs.sourceDir)

	size, err := unix.Lgetxattr(lower, req.Name, nil)
	if err != nil {
		return xattrError(OpGetxattr, f.path, err)
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(lower, req.Name, buf)
	if err != nil {
		return xattrError(OpGetxattr, f.path, err)
	}

	resp.Xattr = buf[:n]
	fileLogger.Trace("Retrieved xattr %q: %d bytes", req.Name, n)
	return nil
}

// Listxattr implements the NodeListxattrer interface.
func (f *File) Listxattr(_ context.Context, _ *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	fileLogger.Debug("Listing xattrs for file %q", f.path.String())
	lower := f.path.Lower(f.fs.sourceDir)

	size, err := unix.Llistxattr(lower, nil)
	if err != nil {
		return xattrError(OpListxattr, f.path, err)
	}
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(lower, buf)
	if err != nil {
		return xattrError(OpListxattr, f.path, err)
	}

	// Already NUL separated.
	resp.Xattr = append(resp.Xattr, buf[:n]...)
	return nil
}

// Forget implements the NodeForgetter interface.
func (f *File) Forget() {
	fileLogger.Trace("Kernel forgot file %q", f.path.String())
	f.fs.forget(f.path, f)
}

func xattrError(op string, vp *VirtualPath, err error) error {
	if err == unix.ENODATA {
		return fuse.ErrNoXattr
	}
	if err == unix.ENOTSUP {
		return syscall.ENOTSUP
	}
	return ToFuseError(NewFSError(op, vp.String(), err))
}

// FileHandle represents an open file handle.
// It manages access to an open file descriptor from the source filesystem.
type FileHandle struct {
	file *os.File
	path string // For logging purposes
	mu   sync.RWMutex
}

// Read implements the HandleReader interface, reading data from the file.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	fileLogger.Trace("Reading %d bytes from file %q at offset %d",
		req.Size, fh.path, req.Offset)

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		fileLogger.Error("Failed to read from file: %v", err)
		return ToFuseError(NewFSError(OpRead, fh.path, err))
	}

	resp.Data = resp.Data[:n]
	return nil
}

// Release implements the HandleReleaser interface, closing the file handle.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLogger.Debug("Closing file %q", fh.path)
	return fh.file.Close()
}
