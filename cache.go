package repocache

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chainguard-dev/clog"
	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/internal/engine"
	"github.com/jmgilman/go/repocache/internal/eviction"
	"github.com/jmgilman/go/repocache/internal/key"
	"github.com/jmgilman/go/repocache/internal/lock"
	"github.com/jmgilman/go/repocache/internal/store"
	"github.com/jmgilman/go/repocache/vcs"
	"github.com/jmgilman/go/repocache/vcs/gitcli"
	"github.com/jmgilman/go/repocache/vcs/gogit"
)

// updateDir holds the per-key locks that serialize updaters.
const updateDir = ".updates"

// Entry describes one cached clone.
type Entry = store.Entry

// EvictionResult summarizes an eviction pass.
type EvictionResult = eviction.Result

// Cache is a directory of repository clones shared by every process that
// opens the same root.
type Cache struct {
	cfg     Config
	backend vcs.Backend
	now     func() time.Time

	store   *store.Store
	locks   *lock.Manager
	updates *lock.Manager
	engine  *engine.Engine
	evictor *eviction.Policy
}

// New opens the cache described by cfg, creating the root if needed.
// Leftover staging directories from processes that died mid-clone are
// removed.
//
// Example:
//
//	c, err := repocache.New(ctx, repocache.DefaultConfig("/var/cache/repocache"))
//	if err != nil {
//	    return err
//	}
//	h, err := c.Acquire(ctx, "https://salsa.debian.org/debian/pkg.git", "debian/sid")
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
func New(ctx context.Context, cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		b, err := newBackend(cfg)
		if err != nil {
			return nil, err
		}
		c.backend = b
	}

	s, err := store.New(cfg.Root, store.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	locks, err := lock.NewManager(cfg.Root)
	if err != nil {
		return nil, err
	}
	updateLocks, err := lock.NewManager(filepath.Join(cfg.Root, updateDir))
	if err != nil {
		return nil, err
	}

	c.store = s
	c.locks = locks
	c.updates = updateLocks
	c.engine = engine.New(c.backend, s,
		engine.WithBare(cfg.Bare),
		engine.WithRetries(cfg.FetchRetries, cfg.RetryBackoff))
	c.evictor = eviction.New(s, locks, eviction.WithClock(c.now))

	c.cleanStaging(ctx)
	return c, nil
}

func newBackend(cfg Config) (vcs.Backend, error) {
	switch cfg.Backend {
	case BackendGoGit:
		var opts []gogit.Option
		switch {
		case cfg.SSHKeyFile != "":
			auth, err := gogit.SSHKeyFile(cfg.AuthUser, cfg.SSHKeyFile, "")
			if err != nil {
				return nil, err
			}
			opts = append(opts, gogit.WithAuth(auth))
		case cfg.AuthToken != "":
			opts = append(opts, gogit.WithAuth(gogit.BasicAuth(cfg.AuthUser, cfg.AuthToken)))
		}
		return gogit.New(opts...), nil
	default:
		var opts []gitcli.Option
		if cfg.SSHKeyFile != "" {
			opts = append(opts, gitcli.WithEnv(map[string]string{
				"GIT_SSH_COMMAND": "ssh -i " + cfg.SSHKeyFile + " -o IdentitiesOnly=yes -o BatchMode=yes",
			}))
		}
		return gitcli.New(opts...), nil
	}
}

// cleanStaging removes staging directories whose key is not locked. A
// clone in progress holds its key's exclusive lock.
func (c *Cache) cleanStaging(ctx context.Context) {
	log := clog.FromContext(ctx)

	leftovers, err := c.store.Staging()
	if err != nil {
		log.Warn("failed to list staging directory", "error", err)
		return
	}

	for _, s := range leftovers {
		g, ok, err := c.locks.TryAcquire(s.Key, lock.Exclusive)
		if err != nil || !ok {
			continue
		}
		if err := c.store.RemovePath(s.Path); err != nil {
			log.Warn("failed to remove stale staging directory", "path", s.Path, "error", err)
		} else {
			log.Info("removed stale staging directory", "path", s.Path)
		}
		g.Release()
	}
}

// Config returns the cache's configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Acquire returns a handle to an up-to-date clone of url in which revision
// resolves. The handle holds a shared lock on the entry until Release.
//
// An entry that is missing, stale, or lacking revision is updated under an
// exclusive lock first. Errors are PlatformErrors with cacheerr codes; no
// lock is held when Acquire fails.
func (c *Cache) Acquire(ctx context.Context, url, revision string, opts ...AcquireOption) (*Handle, error) {
	h, err := c.acquire(ctx, url, revision, opts...)
	if err != nil {
		acquires.WithLabelValues("error").Inc()
		return nil, err
	}
	return h, nil
}

func (c *Cache) acquire(ctx context.Context, url, revision string, opts ...AcquireOption) (*Handle, error) {
	o := &acquireOptions{
		mode:        c.cfg.UpdateMode,
		maxAge:      c.cfg.MaxAge,
		lockTimeout: c.cfg.LockTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	k, err := key.Resolve(url)
	if err != nil {
		return nil, err
	}
	log := clog.FromContext(ctx).With("key", k.Short(), "url", url)
	ctx = clog.WithLogger(ctx, log)

	var (
		g       *lock.Guard
		entry   *Entry
		commit  string
		updated bool
	)
	for attempt := 0; ; attempt++ {
		g, commit, updated, err = c.hold(ctx, k, url, revision, o)
		if err != nil {
			return nil, err
		}

		entry, err = c.store.Touch(k)
		if err == nil {
			break
		}
		g.Release()
		// Downgrade briefly unlocks the entry, so an eviction pass may have
		// removed it before the shared lock was granted again.
		if attempt > 0 || errors.GetCode(err) != errors.CodeNotFound {
			return nil, err
		}
		log.Debug("entry removed before use, acquiring again")
	}

	if updated {
		acquires.WithLabelValues("updated").Inc()
	} else {
		acquires.WithLabelValues("hit").Inc()
	}

	c.evictIfNeeded(ctx)

	return &Handle{
		guard:    g,
		entry:    entry,
		url:      url,
		revision: revision,
		commit:   commit,
	}, nil
}

// hold returns a shared guard on k once the entry can serve revision,
// retrying lock timeouts up to the configured number of attempts.
func (c *Cache) hold(ctx context.Context, k key.Key, url, revision string, o *acquireOptions) (*lock.Guard, string, bool, error) {
	var (
		g       *lock.Guard
		commit  string
		updated bool
	)
	op := func() error {
		var err error
		g, commit, updated, err = c.ensure(ctx, k, url, revision, o)
		if err == nil {
			return nil
		}
		if !cacheerr.Is(err, cacheerr.CodeLockTimeout) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		lockTimeouts.Inc()
		clog.FromContext(ctx).Warn("timed out waiting for lock", "timeout", o.lockTimeout)
		return err
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryBackoff), uint64(c.cfg.LockAttempts-1))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, "", false, err
	}
	return g, commit, updated, nil
}

// ensure takes k's shared lock and brings the entry up to date if needed.
// On success the returned guard is shared; on error no lock is held.
//
// Updaters queue on k's update lock while holding no entry lock, so the
// updater waiting for exclusive access never waits on a queued one. Each
// lock wait is bounded by the lock timeout.
func (c *Cache) ensure(ctx context.Context, k key.Key, url, revision string, o *acquireOptions) (*lock.Guard, string, bool, error) {
	log := clog.FromContext(ctx)

	g, err := c.locks.Acquire(ctx, k, lock.Shared, o.lockTimeout)
	if err != nil {
		return nil, "", false, err
	}
	if commit, ok := c.current(ctx, k, revision, o); ok {
		return g, commit, false, nil
	}
	g.Release()

	u, err := c.updates.Acquire(ctx, k, lock.Exclusive, o.lockTimeout)
	if err != nil {
		return nil, "", false, err
	}
	defer u.Release()

	g, err = c.locks.Acquire(ctx, k, lock.Shared, o.lockTimeout)
	if err != nil {
		return nil, "", false, err
	}
	// The previous holder of the update lock may have done the work.
	if commit, ok := c.current(ctx, k, revision, o); ok {
		log.Debug("entry updated by another owner")
		return g, commit, false, nil
	}

	if err := g.Upgrade(ctx, o.lockTimeout); err != nil {
		return nil, "", false, err
	}

	commit, err := c.update(ctx, k, url, revision)
	if err != nil {
		g.Release()
		return nil, "", false, err
	}
	if err := g.Downgrade(); err != nil {
		g.Release()
		return nil, "", false, err
	}
	return g, commit, true, nil
}

// update runs the engine and records the entry. Callers hold k's
// exclusive lock.
func (c *Cache) update(ctx context.Context, k key.Key, url, revision string) (string, error) {
	res, err := c.engine.Ensure(ctx, k, url, revision)
	if res != nil {
		updates.WithLabelValues(string(res.Action)).Inc()
		updateDuration.Observe(res.Duration.Seconds())
		if recErr := c.record(k, url, res); recErr != nil {
			if err != nil {
				return "", errors.WithContext(err, "record_error", recErr.Error())
			}
			return "", recErr
		}
	}
	if err != nil {
		return "", err
	}
	return res.Commit, nil
}

// current reports whether k's entry can serve revision without an update,
// and the commit it resolves to.
func (c *Cache) current(ctx context.Context, k key.Key, revision string, o *acquireOptions) (string, bool) {
	if o.mode == UpdateAlways {
		return "", false
	}

	e, err := c.store.Stat(k)
	if err != nil {
		return "", false
	}
	if e.Bare != c.cfg.Bare || e.Stale(o.maxAge, c.now()) {
		return "", false
	}

	commit, err := c.engine.Resolve(ctx, k, revision)
	if err != nil {
		// A revision missing from a fresh entry may have been pushed since
		// the last fetch.
		clog.FromContext(ctx).Debug("revision not in cached clone, refreshing", "revision", revision, "error", err)
		return "", false
	}
	return commit, true
}

// record writes the entry's metadata after an update.
func (c *Cache) record(k key.Key, url string, res *engine.UpdateResult) error {
	now := c.now()
	e := &Entry{Key: k, CreatedAt: now}
	if prev, err := c.store.Stat(k); err == nil && res.Action == engine.ActionFetched {
		e = prev
	}

	size, err := c.store.DiskUsage(k)
	if err != nil {
		return err
	}

	e.URL = url
	e.Bare = c.cfg.Bare
	e.LastAccess = now
	e.LastFetch = now
	e.Refs = res.Refs
	e.Size = size
	return c.store.Record(e)
}

// evictIfNeeded runs a capacity pass. Failures are logged, never returned:
// the entry being acquired is already usable.
func (c *Cache) evictIfNeeded(ctx context.Context) {
	if c.cfg.CapacityLimit <= 0 {
		return
	}
	if _, err := c.Evict(ctx); err != nil {
		clog.FromContext(ctx).Warn("eviction failed", "error", err)
	}
}

// Evict removes least-recently-used unlocked entries until the cache is
// within its capacity limit.
func (c *Cache) Evict(ctx context.Context) (*EvictionResult, error) {
	res, err := c.evictor.EvictIfNeeded(ctx, int64(c.cfg.CapacityLimit))
	if err != nil {
		return nil, err
	}
	c.observeEviction(res)
	return res, nil
}

// EvictOlderThan removes unlocked entries not accessed within age.
func (c *Cache) EvictOlderThan(ctx context.Context, age time.Duration) (*EvictionResult, error) {
	res, err := c.evictor.EvictOlderThan(ctx, age)
	if err != nil {
		return nil, err
	}
	c.observeEviction(res)
	return res, nil
}

func (c *Cache) observeEviction(res *EvictionResult) {
	evictions.Add(float64(len(res.Evicted)))
	evictedBytes.Add(float64(res.Freed()))
	cacheSize.Set(float64(res.After))
}

// Invalidate removes url's entry, waiting for current users to release it.
// Removing an entry that does not exist succeeds.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	k, err := key.Resolve(url)
	if err != nil {
		return err
	}

	g, err := c.locks.Acquire(ctx, k, lock.Exclusive, c.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer g.Release()

	if err := c.store.Remove(k); err != nil {
		return errors.WithContext(err, "url", url)
	}
	clog.FromContext(ctx).Info("invalidated cache entry", "key", k.Short(), "url", url)
	return nil
}

// List returns every entry, least recently used first.
func (c *Cache) List(ctx context.Context) ([]*Entry, error) {
	return c.store.List(ctx)
}

// Stats summarizes the cache.
type Stats struct {
	Entries   int
	TotalSize int64
	// OldestAccess and NewestAccess are nil for an empty cache.
	OldestAccess *time.Time
	NewestAccess *time.Time
}

// Stats returns statistics about the cache.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	entries, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Entries: len(entries)}
	for _, e := range entries {
		stats.TotalSize += e.Size

		if stats.OldestAccess == nil || e.LastAccess.Before(*stats.OldestAccess) {
			t := e.LastAccess
			stats.OldestAccess = &t
		}
		if stats.NewestAccess == nil || e.LastAccess.After(*stats.NewestAccess) {
			t := e.LastAccess
			stats.NewestAccess = &t
		}
	}
	return stats, nil
}
