package fs

import (
	"bazil.org/fuse/fs"

	"wrapfs/internal/control"
)

// Node represents a filesystem node (file or directory)
type Node interface {
	fs.Node
	fs.NodeForgetter
}

// Directory represents a directory of the stacked filesystem
type Directory interface {
	Node
	fs.NodeStringLookuper
	fs.NodeOpener
	fs.HandleReadDirAller
	fs.NodeRemover
}

// FileInterface represents a non-directory node
type FileInterface interface {
	Node
	fs.NodeOpener
	fs.NodeReadlinker
	fs.NodeGetxattrer
	fs.NodeListxattrer
}

// FileHandleInterface represents an open file handle
type FileHandleInterface interface {
	fs.Handle
	fs.HandleReader
	fs.HandleReleaser
}

var (
	_ fs.FS            = (*WrapFS)(nil)
	_ fs.FSDestroyer   = (*WrapFS)(nil)
	_ control.Resolver = (*WrapFS)(nil)

	_ Directory           = (*Dir)(nil)
	_ FileInterface       = (*File)(nil)
	_ FileHandleInterface = (*FileHandle)(nil)
)
