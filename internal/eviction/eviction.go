// Package eviction reclaims disk space from the cache.
//
// Entries are considered least-recently-used first. Each one is removed
// only after taking its exclusive lock without waiting; an entry that
// anyone is using is skipped rather than waited on. Running out of
// unlocked candidates is normal flow: the cache may exceed its soft limit
// until those entries are released.
package eviction

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/internal/key"
	"github.com/jmgilman/go/repocache/internal/lock"
	"github.com/jmgilman/go/repocache/internal/store"
)

// Store is the subset of the directory store eviction needs.
type Store interface {
	List(ctx context.Context) ([]*store.Entry, error)
	Stat(k key.Key) (*store.Entry, error)
	Remove(k key.Key) error
}

// Locker hands out non-blocking exclusive locks.
type Locker interface {
	TryAcquire(k key.Key, mode lock.Mode) (*lock.Guard, bool, error)
}

// Result summarizes one eviction pass.
type Result struct {
	// Before and After are the total cache sizes around the pass.
	Before int64
	After  int64
	// Evicted lists the removed entries.
	Evicted []*store.Entry
	// Skipped lists candidates that were in use.
	Skipped []key.Key
}

// Freed returns the number of bytes reclaimed.
func (r *Result) Freed() int64 {
	return r.Before - r.After
}

// Policy evicts entries from a store.
type Policy struct {
	store  Store
	locker Locker
	now    func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock overrides the time source used for age-based eviction.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// New creates a Policy.
func New(s Store, l Locker, opts ...Option) *Policy {
	p := &Policy{store: s, locker: l, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EvictIfNeeded removes least-recently-used entries until the total size is
// at most limit. A limit <= 0 means unlimited and is a no-op, as is a cache
// already under the limit.
func (p *Policy) EvictIfNeeded(ctx context.Context, limit int64) (*Result, error) {
	if limit <= 0 {
		return &Result{}, nil
	}

	entries, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}

	total := totalSize(entries)
	if total <= limit {
		return &Result{Before: total, After: total}, nil
	}

	clog.FromContext(ctx).Info("cache over capacity, evicting",
		"size", total, "limit", limit, "entries", len(entries))

	return p.sweep(ctx, entries, total, func(current int64, _ *store.Entry) bool {
		return current > limit
	})
}

// EvictOlderThan removes every unlocked entry not accessed within age.
func (p *Policy) EvictOlderThan(ctx context.Context, age time.Duration) (*Result, error) {
	entries, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := p.now().Add(-age)
	return p.sweep(ctx, entries, totalSize(entries), func(_ int64, e *store.Entry) bool {
		return e.LastAccess.Before(cutoff)
	})
}

// sweep walks entries in LRU order and removes each one want selects, given
// the running total.
func (p *Policy) sweep(ctx context.Context, entries []*store.Entry, total int64, want func(int64, *store.Entry) bool) (*Result, error) {
	res := &Result{Before: total, After: total}

	for _, candidate := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !want(res.After, candidate) {
			continue
		}

		log := clog.FromContext(ctx).With("key", candidate.Key.Short(), "url", candidate.URL)

		guard, ok, err := p.locker.TryAcquire(candidate.Key, lock.Exclusive)
		if err != nil {
			return res, err
		}
		if !ok {
			log.Debug("skipping cache entry in use")
			res.Skipped = append(res.Skipped, candidate.Key)
			continue
		}

		removed, gone, err := p.removeLocked(candidate, want, res.After)
		guard.Release()
		if err != nil {
			return res, err
		}
		if gone {
			// Another process evicted it since List.
			res.After -= candidate.Size
			continue
		}
		if removed == nil {
			continue
		}

		res.After -= removed.Size
		res.Evicted = append(res.Evicted, removed)
		log.Info("evicted cache entry", "size", removed.Size, "last_access", removed.LastAccess)
	}

	return res, nil
}

// removeLocked re-reads the entry under its exclusive lock, since another
// process may have refreshed or removed it after List, and deletes it if
// it is still wanted. It returns a nil entry when nothing was removed, and
// gone when the entry no longer exists.
func (p *Policy) removeLocked(candidate *store.Entry, want func(int64, *store.Entry) bool, current int64) (e *store.Entry, gone bool, err error) {
	e, err = p.store.Stat(candidate.Key)
	if err != nil {
		if errors.GetCode(err) == errors.CodeNotFound {
			return nil, true, nil
		}
		return nil, false, err
	}
	if !want(current, e) {
		return nil, false, nil
	}

	if err := p.store.Remove(e.Key); err != nil {
		return nil, false, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to evict cache entry", map[string]interface{}{
			"key":  e.Key.String(),
			"path": e.Path,
		})
	}
	return e, false, nil
}

func totalSize(entries []*store.Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
