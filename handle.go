package repocache

import (
	"github.com/jmgilman/go/repocache/internal/lock"
)

// Handle is a ready clone held under a shared lock. The clone is not
// modified and cannot be evicted until Release is called.
//
// Callers check out Commit (or Revision) from Path themselves and must not
// fetch into the clone.
type Handle struct {
	guard    *lock.Guard
	entry    *Entry
	url      string
	revision string
	commit   string
}

// Path returns the clone's directory.
func (h *Handle) Path() string {
	return h.entry.Path
}

// Key returns the entry's cache key.
func (h *Handle) Key() string {
	return h.entry.Key.String()
}

// URL returns the repository URL as passed to Acquire.
func (h *Handle) URL() string {
	return h.url
}

// Revision returns the requested revision.
func (h *Handle) Revision() string {
	return h.revision
}

// Commit returns the commit the revision resolved to.
func (h *Handle) Commit() string {
	return h.commit
}

// Entry returns the entry's metadata as of Acquire.
func (h *Handle) Entry() Entry {
	return *h.entry
}

// Release unlocks the entry. It is safe to call more than once.
func (h *Handle) Release() {
	h.guard.Release()
}
