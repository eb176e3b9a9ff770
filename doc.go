// Package repocache maintains a directory of git clones shared by
// concurrent processes.
//
// Acquire resolves a repository URL to a cache entry, makes sure the entry
// holds an up-to-date clone in which the requested revision resolves, and
// returns a Handle that keeps the entry locked until Release:
//
//	c, err := repocache.New(ctx, repocache.DefaultConfig("/var/cache/repocache"))
//	if err != nil {
//	    return err
//	}
//
//	h, err := c.Acquire(ctx, "https://salsa.debian.org/debian/pkg.git", "debian/sid")
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//
//	exportSources(h.Path(), h.Commit())
//
// # Layout
//
// Every entry lives directly under the root:
//
//	<root>/<key>/        the clone, bare or working copy
//	<root>/<key>.lock    flock(2) target, always empty
//	<root>/<key>.json    metadata: URL, access and fetch times, refs, size
//	<root>/.staging/     clones in progress
//	<root>/.updates/     per-key locks queueing updaters
//
// The key is the SHA-256 of the normalized URL, so equivalent spellings of
// one remote repository share an entry. Local paths are kept as given apart
// from cleaning, so /srv/git/pkg and /srv/git/pkg.git are distinct.
//
// # Locking
//
// Readers hold a shared lock on the entry's lock file; clones, fetches and
// removals hold it exclusively. Locks are advisory file locks, so they
// coordinate separate processes as well as goroutines. Acquire takes a
// shared lock and checks the entry. When it needs an update, Acquire drops
// the lock and queues on the key's update lock. It then re-checks the entry
// under a new shared lock, since the previous updater may have done the
// work. Only if the entry is still out of date does it upgrade, update and
// downgrade. Lock timeouts are retried up to Config.LockAttempts times.
//
// # Freshness
//
// In UpdateIfStale mode an entry is fetched when its last fetch is older
// than MaxAge, or when the requested revision does not resolve. UpdateAlways
// fetches on every Acquire.
//
// # Eviction
//
// When CapacityLimit is set, Acquire runs a best-effort eviction pass that
// removes least-recently-used entries no one holds. Entries in use are
// skipped, so the cache may exceed its limit while they stay locked.
// StartGC runs the same pass periodically.
//
// # Errors
//
// Errors are github.com/jmgilman/go/errors PlatformErrors carrying the
// codes in package cacheerr.
package repocache
