package main

import (
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"wrapfs/internal/control"
	"wrapfs/internal/fs"
	"wrapfs/internal/registry"
)

// mountType is the type wrapfs mounts carry in the mount table.
const mountType = "fuse." + fs.FSName

// target is an entry of a wrapfs mount named on the command line.
type target struct {
	mountpoint string
	path       string // relative to mountpoint, starting with "/"
}

// pickMount returns the innermost wrapfs mount among mounts containing abs.
func pickMount(mounts []*mountinfo.Info, abs string) (*mountinfo.Info, error) {
	var best *mountinfo.Info
	for _, m := range mounts {
		if m.FSType != mountType || !within(m.Mountpoint, abs) {
			continue
		}
		if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	if best == nil {
		return nil, errors.Errorf("%s is not on a wrapfs mount", abs)
	}
	return best, nil
}

func within(mountpoint, abs string) bool {
	if mountpoint == "/" || mountpoint == abs {
		return true
	}
	return strings.HasPrefix(abs, mountpoint+"/")
}

// mountRelative returns abs relative to mountpoint, in the form the
// registry records: absolute within the mount.
func mountRelative(mountpoint, abs string) string {
	return filepath.Clean("/" + strings.TrimPrefix(abs, mountpoint))
}

// resolveTarget locates the wrapfs mount holding arg.
func resolveTarget(arg string) (*target, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", arg)
	}
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(abs))
	if err != nil {
		return nil, errors.Wrap(err, "read mount table")
	}
	m, err := pickMount(mounts, abs)
	if err != nil {
		return nil, err
	}

	t := &target{mountpoint: m.Mountpoint, path: mountRelative(m.Mountpoint, abs)}
	if t.path == "/" {
		return nil, errors.Wrapf(registry.ErrInvalidArgument, "%s is the mount root", arg)
	}
	if len(t.path) > control.PathSize {
		return nil, errors.Wrapf(registry.ErrInvalidArgument, "path %s is longer than %d bytes", t.path, control.PathSize)
	}
	return t, nil
}

// inode returns the inode number of the entry as seen through the mount.
func (t *target) inode() (uint64, error) {
	var st unix.Stat_t
	full := filepath.Join(t.mountpoint, t.path)
	if err := unix.Lstat(full, &st); err != nil {
		return 0, errors.Wrapf(err, "stat %s", full)
	}
	return st.Ino, nil
}

// hiddenInode finds the inode of the hidden record for path, for entries
// that can no longer be stat'ed through the mount.
func hiddenInode(recs []registry.Record, path string) (uint64, error) {
	var found []uint64
	for _, rec := range recs {
		if rec.Path == path && rec.Flags.Hidden() {
			found = append(found, rec.Inode)
		}
	}
	switch len(found) {
	case 0:
		return 0, errors.Wrapf(registry.ErrNotFound, "no hidden entry %s", path)
	case 1:
		return found[0], nil
	default:
		return 0, errors.Wrapf(registry.ErrInvalidArgument, "%d hidden entries named %s", len(found), path)
	}
}

func (o *Options) dial(mountpoint string) (*control.Client, error) {
	return control.Dial(control.SocketPath(o.SocketDir, mountpoint))
}
