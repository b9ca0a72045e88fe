package registry

import (
	"hash/fnv"
	"path"
	"strings"
)

// MaxPathLen is the largest display path, in bytes, a record may carry. It
// matches the fixed path field of the control protocol.
const MaxPathLen = 128

// Flags is the visibility state of a record. A record with no flags set does
// not exist.
type Flags uint32

const (
	// FlagHidden suppresses the entry from lookup and directory listings.
	FlagHidden Flags = 1 << 0
	// FlagBlocked denies access to the entry.
	FlagBlocked Flags = 1 << 1

	flagMask = FlagHidden | FlagBlocked
)

// Hidden reports whether FlagHidden is set.
func (f Flags) Hidden() bool { return f&FlagHidden != 0 }

// Blocked reports whether FlagBlocked is set.
func (f Flags) Blocked() bool { return f&FlagBlocked != 0 }

// String renders the flags the way wrapfsctl prints them: "hidden",
// "blocked", "blocked,hidden" or "-" when empty.
func (f Flags) String() string {
	var parts []string
	if f.Blocked() {
		parts = append(parts, "blocked")
	}
	if f.Hidden() {
		parts = append(parts, "hidden")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// Record is a snapshot of one registry entry.
type Record struct {
	// Path is the path the entry was first registered under. It is kept for
	// display only; identity is (basename, Inode).
	Path  string
	Inode uint64
	Flags Flags
}

// State returns the textual flag state of the record.
func (r Record) State() string {
	return r.Flags.String()
}

// Basename returns the final component of p, the part of a path that
// selects a registry bucket.
func Basename(p string) string {
	return path.Base(p)
}

func bucketKey(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(Basename(p)))
	return h.Sum64()
}
