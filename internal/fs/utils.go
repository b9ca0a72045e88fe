package fs

import (
	"os"
	"syscall"

	"bazil.org/fuse"
)

// inodeOf returns the lower inode number, the identity registry entries
// are keyed on.
func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func direntType(mode os.FileMode) fuse.DirentType {
	switch {
	case mode.IsDir():
		return fuse.DT_Dir
	case mode&os.ModeSymlink != 0:
		return fuse.DT_Link
	case mode&os.ModeNamedPipe != 0:
		return fuse.DT_FIFO
	case mode&os.ModeSocket != 0:
		return fuse.DT_Socket
	case mode&os.ModeCharDevice != 0:
		return fuse.DT_Char
	case mode&os.ModeDevice != 0:
		return fuse.DT_Block
	default:
		return fuse.DT_File
	}
}

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
