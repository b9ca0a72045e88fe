// Package control implements the wrapfs control plane: the fixed-size wire
// format, the request handler that applies it to a registry, and the
// privileged unix socket transport carrying it.
package control

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"wrapfs/internal/registry"
)

// ByteOrder is the byte order of every integer on the wire.
var ByteOrder = binary.LittleEndian

// Frame sizes in bytes.
const (
	// PathSize is the fixed width of the path field. A path that fills it
	// carries no terminator.
	PathSize = registry.MaxPathLen

	// RequestSize is op(4) flags(4) inode(8) path(128) capacity(8) reserved(8).
	RequestSize = 4 + 4 + 8 + PathSize + 8 + 8

	// ResponseHeaderSize is status(4) reserved(4) value(8).
	ResponseHeaderSize = 4 + 4 + 8

	// EntrySize is inode(8) path(128) flags(4) pad(4).
	EntrySize = 8 + PathSize + 4 + 4
)

// Op is a control request opcode.
type Op uint32

// Opcodes. Values are part of the wire format.
const (
	OpHide Op = iota + 1
	OpUnhide
	OpBlock
	OpUnblock
	OpGetListSize
	OpGetList
)

var opNames = map[Op]string{
	OpHide:        "hide",
	OpUnhide:      "unhide",
	OpBlock:       "block",
	OpUnblock:     "unblock",
	OpGetListSize: "get-list-size",
	OpGetList:     "get-list",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// Request is one fixed-size control request.
type Request struct {
	Op    Op
	Flags uint32 // reserved
	Inode uint64
	Path  [PathSize]byte
	// Capacity is the number of entries the caller can accept. Only
	// meaningful for OpGetList.
	Capacity uint64
}

// NewRequest builds a request for op on (path, ino). It fails with
// registry.ErrInvalidArgument if path does not fit the path field.
func NewRequest(op Op, path string, ino uint64) (*Request, error) {
	if len(path) > PathSize {
		return nil, registry.ErrInvalidArgument
	}
	req := &Request{Op: op, Inode: ino}
	copy(req.Path[:], path)
	return req, nil
}

// PathString returns the path up to the first NUL byte.
func (r *Request) PathString() string {
	return cString(r.Path[:])
}

// Encode writes the binary representation of r into buf, which must hold at
// least RequestSize bytes.
func (r *Request) Encode(buf []byte) {
	ByteOrder.PutUint32(buf[0:4], uint32(r.Op))
	ByteOrder.PutUint32(buf[4:8], r.Flags)
	ByteOrder.PutUint64(buf[8:16], r.Inode)
	copy(buf[16:16+PathSize], r.Path[:])
	ByteOrder.PutUint64(buf[16+PathSize:24+PathSize], r.Capacity)
	ByteOrder.PutUint64(buf[24+PathSize:32+PathSize], 0)
}

// Bytes returns the binary representation of r.
func (r *Request) Bytes() []byte {
	b := make([]byte, RequestSize)
	r.Encode(b)
	return b
}

// Decode fills r from buf, which must hold at least RequestSize bytes.
func (r *Request) Decode(buf []byte) {
	r.Op = Op(ByteOrder.Uint32(buf[0:4]))
	r.Flags = ByteOrder.Uint32(buf[4:8])
	r.Inode = ByteOrder.Uint64(buf[8:16])
	copy(r.Path[:], buf[16:16+PathSize])
	r.Capacity = ByteOrder.Uint64(buf[16+PathSize : 24+PathSize])
}

// Entry is one listing element on the wire.
type Entry struct {
	Inode uint64
	Path  [PathSize]byte
	Flags registry.Flags
}

// EntryFromRecord converts a registry snapshot record into its wire form.
func EntryFromRecord(rec registry.Record) Entry {
	e := Entry{Inode: rec.Inode, Flags: rec.Flags}
	copy(e.Path[:], rec.Path)
	return e
}

// Record converts e back into a registry record.
func (e *Entry) Record() registry.Record {
	return registry.Record{
		Path:  cString(e.Path[:]),
		Inode: e.Inode,
		Flags: e.Flags,
	}
}

// Encode writes the binary representation of e into buf, which must hold at
// least EntrySize bytes.
func (e *Entry) Encode(buf []byte) {
	ByteOrder.PutUint64(buf[0:8], e.Inode)
	copy(buf[8:8+PathSize], e.Path[:])
	ByteOrder.PutUint32(buf[8+PathSize:12+PathSize], uint32(e.Flags))
	ByteOrder.PutUint32(buf[12+PathSize:16+PathSize], 0)
}

// Decode fills e from buf, which must hold at least EntrySize bytes.
func (e *Entry) Decode(buf []byte) {
	e.Inode = ByteOrder.Uint64(buf[0:8])
	copy(e.Path[:], buf[8:8+PathSize])
	e.Flags = registry.Flags(ByteOrder.Uint32(buf[8+PathSize : 12+PathSize]))
}

// Response is the reply to one request. Value holds the entry count for
// OpGetListSize and the number of entries copied for OpGetList.
type Response struct {
	Status  Status
	Value   uint64
	Entries []Entry
}

// Bytes returns the header followed by the encoded entries.
func (r *Response) Bytes() []byte {
	b := make([]byte, ResponseHeaderSize+len(r.Entries)*EntrySize)
	ByteOrder.PutUint32(b[0:4], uint32(r.Status))
	ByteOrder.PutUint64(b[8:16], r.Value)
	off := ResponseHeaderSize
	for i := range r.Entries {
		r.Entries[i].Encode(b[off : off+EntrySize])
		off += EntrySize
	}
	return b
}

func decodeResponseHeader(buf []byte) (Status, uint64) {
	return Status(ByteOrder.Uint32(buf[0:4])), ByteOrder.Uint64(buf[8:16])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
