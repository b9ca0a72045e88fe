// Package registry implements the per-mount table of hidden and blocked
// files consulted by the stacking filesystem.
//
// Entries are grouped by a hash of the path's basename and told apart within
// a group by inode number, so two hard links with the same name share one
// entry while unrelated files that merely share a name do not.
//
// LOCKING
//
// A single mutex per Registry guards the table and every entry's flags.
// Writes are rare (administrative commands) and listings are infrequent, so
// per-entry locking would add cost on the lookup path without measurable
// benefit. Critical sections never block: no logging, no calls into the
// filesystem layer and no I/O happen while mu is held. Callers may hold
// filesystem locks when calling in; the Registry never acquires one.
package registry

import (
	"sync"

	"wrapfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("registry")
)

// Registry is the hide/block table of one mount instance. The zero value is
// not usable; create one with New.
type Registry struct {
	// Maximum number of entries; zero means unlimited. Constant after New.
	maxRecords int

	mu sync.Mutex

	// Entries grouped by bucketKey(basename). No bucket is ever empty and no
	// entry ever has zero flags.
	//
	// GUARDED_BY(mu)
	buckets map[uint64][]*Record

	// GUARDED_BY(mu)
	count int
}

// New returns an empty Registry holding at most maxRecords entries. A
// maxRecords of zero or less means no limit.
func New(maxRecords int) *Registry {
	if maxRecords < 0 {
		maxRecords = 0
	}
	logger.Debug("Creating registry (max records: %d)", maxRecords)
	return &Registry{
		maxRecords: maxRecords,
		buckets:    make(map[uint64][]*Record),
	}
}

// find returns the entry for (basename(path), ino) and its position in the
// bucket, or nil.
//
// LOCKS_REQUIRED(r.mu)
func (r *Registry) find(key uint64, ino uint64) (*Record, int) {
	for i, rec := range r.buckets[key] {
		if rec.Inode == ino {
			return rec, i
		}
	}
	return nil, -1
}

// unlink drops the entry at position i of bucket key.
//
// LOCKS_REQUIRED(r.mu)
func (r *Registry) unlink(key uint64, i int) {
	bucket := r.buckets[key]
	last := len(bucket) - 1
	bucket[i] = bucket[last]
	bucket[last] = nil
	if last == 0 {
		delete(r.buckets, key)
	} else {
		r.buckets[key] = bucket[:last]
	}
	r.count--
}

func (r *Registry) flags(path string, ino uint64) Flags {
	key := bucketKey(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, _ := r.find(key, ino); rec != nil {
		return rec.Flags
	}
	return 0
}

// IsHidden reports whether the entry for (path, ino) carries FlagHidden.
func (r *Registry) IsHidden(path string, ino uint64) bool {
	return r.flags(path, ino).Hidden()
}

// IsBlocked reports whether the entry for (path, ino) carries FlagBlocked.
func (r *Registry) IsBlocked(path string, ino uint64) bool {
	return r.flags(path, ino).Blocked()
}

// Lookup returns a copy of the entry for (path, ino).
func (r *Registry) Lookup(path string, ino uint64) (Record, bool) {
	key := bucketKey(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, _ := r.find(key, ino)
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

func validPath(path string) bool {
	return path != "" && len(path) <= MaxPathLen
}

// set creates the entry if needed and sets flag on it. The candidate entry is
// allocated before the lock is taken and discarded if one already exists.
func (r *Registry) set(path string, ino uint64, flag Flags) error {
	if !validPath(path) {
		return ErrInvalidArgument
	}
	key := bucketKey(path)
	candidate := &Record{Path: path, Inode: ino}

	r.mu.Lock()
	rec, _ := r.find(key, ino)
	if rec == nil {
		if r.maxRecords > 0 && r.count >= r.maxRecords {
			r.mu.Unlock()
			logger.Warn("Registry full (%d entries), cannot add %s:%d", r.maxRecords, path, ino)
			return ErrOutOfMemory
		}
		rec = candidate
		r.buckets[key] = append(r.buckets[key], rec)
		r.count++
	}
	rec.Flags |= flag
	r.mu.Unlock()

	return nil
}

// clear removes flag from the entry and prunes the entry once no flag is left.
func (r *Registry) clear(path string, ino uint64, flag Flags) error {
	key := bucketKey(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, i := r.find(key, ino)
	if rec == nil {
		return ErrNotFound
	}
	rec.Flags &^= flag
	if rec.Flags&flagMask == 0 {
		r.unlink(key, i)
	}
	return nil
}

// Hide marks (path, ino) hidden, creating the entry if necessary. Hiding an
// already hidden entry succeeds without change.
func (r *Registry) Hide(path string, ino uint64) error {
	if err := r.set(path, ino, FlagHidden); err != nil {
		return err
	}
	logger.Debug("hide %s:%d", path, ino)
	return nil
}

// Unhide clears the hidden flag of (path, ino). It returns ErrNotFound if no
// entry exists.
func (r *Registry) Unhide(path string, ino uint64) error {
	if err := r.clear(path, ino, FlagHidden); err != nil {
		return err
	}
	logger.Debug("unhide %s:%d", path, ino)
	return nil
}

// Unblock clears the blocked flag of (path, ino). It returns ErrNotFound if
// no entry exists.
func (r *Registry) Unblock(path string, ino uint64) error {
	if err := r.clear(path, ino, FlagBlocked); err != nil {
		return err
	}
	logger.Debug("unblock %s:%d", path, ino)
	return nil
}

// Remove deletes the entry for (path, ino) whatever its flags. It is a no-op
// if there is none.
func (r *Registry) Remove(path string, ino uint64) {
	key := bucketKey(path)

	r.mu.Lock()
	rec, i := r.find(key, ino)
	if rec != nil {
		r.unlink(key, i)
	}
	r.mu.Unlock()

	if rec != nil {
		logger.Debug("remove %s:%d", path, ino)
	}
}

// ListSize returns the number of entries. The value is a hint: the table may
// change before the caller acts on it.
func (r *Registry) ListSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ListCopy returns a snapshot of at most capacity entries. If the table
// holds more, the surplus is silently left out. Entries are copied one by
// one under the lock; the result is consistent per entry but reflects no
// particular moment relative to an earlier ListSize.
func (r *Registry) ListCopy(capacity int) ([]Record, error) {
	if capacity <= 0 {
		return nil, ErrInvalidArgument
	}

	hint := r.ListSize()
	if hint > capacity {
		hint = capacity
	}
	snap := make([]Record, 0, hint)

	r.mu.Lock()
walk:
	for _, bucket := range r.buckets {
		for _, rec := range bucket {
			if len(snap) >= capacity {
				break walk
			}
			snap = append(snap, *rec)
		}
	}
	r.mu.Unlock()

	logger.Trace("Copied %d of at most %d entries", len(snap), capacity)
	return snap, nil
}

// PurgeAll deletes every entry. It is called once when the mount goes away.
func (r *Registry) PurgeAll() {
	r.mu.Lock()
	n := r.count
	r.buckets = make(map[uint64][]*Record)
	r.count = 0
	r.mu.Unlock()

	logger.Debug("Purged %d entries", n)
}
