package repocache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/internal/key"
	"github.com/jmgilman/go/repocache/internal/lock"
	"github.com/jmgilman/go/repocache/internal/store"
	"github.com/jmgilman/go/repocache/vcs/gogit"
	"github.com/jmgilman/go/repocache/vcs/vcstest"
)

const testURL = "https://example.org/pkg.git"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.RetryBackoff = time.Millisecond
	cfg.LockTimeout = 30 * time.Second
	return cfg
}

func newTestCache(t *testing.T, cfg Config, opts ...Option) (*Cache, *vcstest.Backend) {
	t.Helper()
	backend := vcstest.New()
	backend.AddRemote(testURL, "master", "debian/sid")

	c, err := New(context.Background(), cfg, append([]Option{WithBackend(backend)}, opts...)...)
	require.NoError(t, err)
	return c, backend
}

func mustKey(t *testing.T, url string) key.Key {
	t.Helper()
	k, err := key.Resolve(url)
	require.NoError(t, err)
	return k
}

func TestAcquire_FreshClone(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))

	h, err := c.Acquire(context.Background(), testURL, "master")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, vcstest.Commit("master", 1), h.Commit())
	assert.Equal(t, "master", h.Revision())
	assert.Equal(t, testURL, h.URL())
	assert.Equal(t, mustKey(t, testURL).String(), h.Key())
	assert.Equal(t, filepath.Join(c.Config().Root, h.Key()), h.Path())
	assert.FileExists(t, filepath.Join(h.Path(), vcstest.StateFile))

	assert.Equal(t, 1, backend.Clones())
	assert.Equal(t, 0, backend.Fetches())

	e := h.Entry()
	assert.Equal(t, testURL, e.URL)
	assert.Len(t, e.Refs, 2)
	assert.Positive(t, e.Size)
	assert.False(t, e.LastFetch.IsZero())
}

func TestAcquire_LocalRepositoriesWithGitSuffix(t *testing.T) {
	dir := t.TempDir()
	plain := vcstest.NewFixtureAt(t, filepath.Join(dir, "pkg"))
	suffixed := vcstest.NewFixtureAt(t, filepath.Join(dir, "pkg.git"))
	suffixed.Commit("debian/control", "Source: pkg\n")
	require.NotEqual(t, plain.Head(), suffixed.Head())

	c, err := New(context.Background(), testConfig(t), WithBackend(gogit.New()))
	require.NoError(t, err)
	ctx := context.Background()

	hp, err := c.Acquire(ctx, plain.Path, "master")
	require.NoError(t, err)
	defer hp.Release()

	hs, err := c.Acquire(ctx, suffixed.Path, "master")
	require.NoError(t, err)
	defer hs.Release()

	assert.NotEqual(t, hp.Key(), hs.Key())
	assert.Equal(t, plain.Head(), hp.Commit())
	assert.Equal(t, suffixed.Head(), hs.Commit())
}

func TestAcquire_FreshEntryNotFetched(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	ctx := context.Background()

	h, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()

	h, err = c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, vcstest.Commit("master", 1), h.Commit())
	assert.Equal(t, 1, backend.Clones())
	assert.Equal(t, 0, backend.Fetches())
}

func TestAcquire_UpdateModes(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		opts    []AcquireOption
		fetches int
	}{
		{name: "fresh", advance: time.Minute, fetches: 0},
		{name: "stale", advance: 6 * time.Minute, fetches: 1},
		{name: "per-call max age", advance: time.Minute, opts: []AcquireOption{WithMaxAge(30 * time.Second)}, fetches: 1},
		{name: "always", advance: 0, opts: []AcquireOption{WithUpdateMode(UpdateAlways)}, fetches: 1},
		{name: "zero max age never stale", advance: 48 * time.Hour, opts: []AcquireOption{WithMaxAge(0)}, fetches: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newClock()
			c, backend := newTestCache(t, testConfig(t), WithClock(clk.Now))
			ctx := context.Background()

			h, err := c.Acquire(ctx, testURL, "master")
			require.NoError(t, err)
			h.Release()

			backend.SetRef(testURL, "refs/heads/master", vcstest.Commit("master", 2))
			clk.Advance(tt.advance)

			h, err = c.Acquire(ctx, testURL, "master", tt.opts...)
			require.NoError(t, err)
			defer h.Release()

			assert.Equal(t, tt.fetches, backend.Fetches())
			if tt.fetches > 0 {
				assert.Equal(t, vcstest.Commit("master", 2), h.Commit())
				assert.Equal(t, clk.Now(), h.Entry().LastFetch)
			} else {
				assert.Equal(t, vcstest.Commit("master", 1), h.Commit())
			}
		})
	}
}

func TestAcquire_RevisionNotFound(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	ctx := context.Background()
	k := mustKey(t, testURL)

	h, err := c.Acquire(ctx, testURL, "nonexistent-branch")
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Equal(t, cacheerr.CodeRevisionNotFound, errors.GetCode(err))
	assert.False(t, errors.IsRetryable(err))
	assert.False(t, c.locks.Held(k))

	// The clone stays valid for other revisions.
	h, err = c.Acquire(ctx, testURL, "debian/sid")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, vcstest.Commit("debian/sid", 1), h.Commit())
	assert.Equal(t, 1, backend.Clones())
	assert.Equal(t, 0, backend.Fetches())
}

func TestAcquire_RefreshesOnMissingRevision(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	ctx := context.Background()

	h, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()

	backend.SetRef(testURL, "refs/tags/debian/1.0-2", vcstest.Commit("release", 1))

	h, err = c.Acquire(ctx, testURL, "debian/1.0-2")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, vcstest.Commit("release", 1), h.Commit())
	assert.Equal(t, 1, backend.Fetches())
}

func TestAcquire_InvalidURL(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))

	for _, url := range []string{"", "https://example.org", "ftp://example.org/pkg.git"} {
		_, err := c.Acquire(context.Background(), url, "master")
		assert.True(t, cacheerr.Is(err, cacheerr.CodeInvalidRepositoryURL), url)
	}
	assert.Equal(t, 0, backend.Clones())
}

func TestAcquire_FailureReleasesLocks(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	k := mustKey(t, testURL)

	backend.FailClone(vcstest.Permanent("fatal: Authentication failed"))

	_, err := c.Acquire(context.Background(), testURL, "master")
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.CodeRepositoryUnavailable))
	assert.False(t, c.locks.Held(k))

	staging, err := c.store.Staging()
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestAcquire_LockTimeout(t *testing.T) {
	c, _ := newTestCache(t, testConfig(t))
	ctx := context.Background()
	k := mustKey(t, testURL)

	other := "https://example.org/other.git"
	c.backend.(*vcstest.Backend).AddRemote(other, "master")

	g, err := c.locks.Acquire(ctx, k, lock.Exclusive, 0)
	require.NoError(t, err)
	defer g.Release()

	_, err = c.Acquire(ctx, testURL, "master", WithLockTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, cacheerr.CodeLockTimeout, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))

	shared, exclusive := c.locks.Holders(k)
	assert.Equal(t, 0, shared)
	assert.Equal(t, 1, exclusive)

	// Other keys are not blocked.
	h, err := c.Acquire(ctx, other, "master", WithLockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	h.Release()
}

func TestAcquire_LockAttempts(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockAttempts = 3
	c, _ := newTestCache(t, cfg)
	ctx := context.Background()
	k := mustKey(t, testURL)

	g, err := c.locks.Acquire(ctx, k, lock.Exclusive, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		g.Release()
	}()

	// Each wait is shorter than the holder's, the retries outlast it.
	h, err := c.Acquire(ctx, testURL, "master", WithLockTimeout(60*time.Millisecond))
	require.NoError(t, err)
	h.Release()
}

func TestAcquire_LockAttemptsCoverUpgrade(t *testing.T) {
	clk := newClock()
	cfg := testConfig(t)
	cfg.LockAttempts = 2
	cfg.RetryBackoff = 300 * time.Millisecond
	c, backend := newTestCache(t, cfg, WithClock(clk.Now))
	ctx := context.Background()

	reader, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	clk.Advance(6 * time.Minute)

	// The first upgrade times out at 100ms; the reader is gone before the
	// second attempt starts.
	go func() {
		time.Sleep(200 * time.Millisecond)
		reader.Release()
	}()

	h, err := c.Acquire(ctx, testURL, "master", WithLockTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, 1, backend.Fetches())
}

func TestAcquire_QueuedUpdaterReusesUpdate(t *testing.T) {
	clk := newClock()
	c, backend := newTestCache(t, testConfig(t), WithClock(clk.Now))
	ctx := context.Background()

	reader, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	clk.Advance(6 * time.Minute)
	backend.SetRef(testURL, "refs/heads/master", vcstest.Commit("master", 2))

	// Each updater keeps its handle, so a second upgrade could only succeed
	// after both have returned.
	const updaters = 2
	handles := make(chan *Handle, updaters)
	errs := make(chan error, updaters)
	var wg sync.WaitGroup
	for i := 0; i < updaters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(ctx, testURL, "master", WithLockTimeout(2*time.Second))
			if err != nil {
				errs <- err
				return
			}
			handles <- h
		}()
	}

	time.Sleep(200 * time.Millisecond)
	reader.Release()
	wg.Wait()
	close(errs)
	close(handles)

	for err := range errs {
		assert.NoError(t, err)
	}
	n := 0
	for h := range handles {
		assert.Equal(t, vcstest.Commit("master", 2), h.Commit())
		h.Release()
		n++
	}
	assert.Equal(t, updaters, n)
	assert.Equal(t, 1, backend.Fetches())
}

func TestAcquire_EntryRemovedBeforeUse(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	ctx := context.Background()

	h, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()

	// Remove the clone after it was found current, as an eviction pass
	// running while the lock is converted would.
	var once sync.Once
	backend.AfterResolve(func(path string) {
		once.Do(func() { _ = os.RemoveAll(path) })
	})

	h, err = c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, 2, backend.Clones())
	assert.DirExists(t, h.Path())
	assert.Equal(t, vcstest.Commit("master", 1), h.Commit())
}

func TestAcquire_RecordFailureKeepsUpdateError(t *testing.T) {
	c, _ := newTestCache(t, testConfig(t))
	k := mustKey(t, testURL)

	// A directory in place of the sidecar makes recording fail.
	require.NoError(t, os.MkdirAll(filepath.Join(c.Config().Root, k.String()+".json"), 0o755))

	_, err := c.Acquire(context.Background(), testURL, "nonexistent-branch")
	require.Error(t, err)
	assert.Equal(t, cacheerr.CodeRevisionNotFound, errors.GetCode(err))

	var pe errors.PlatformError
	require.True(t, errors.As(err, &pe))
	assert.NotEmpty(t, pe.Context()["record_error"])
	assert.False(t, c.locks.Held(k))
}

func TestAcquire_SingleUpdaterPerKey(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	backend.SetDelay(10 * time.Millisecond)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), testURL, "master", WithUpdateMode(UpdateAlways))
			if err != nil {
				errs <- err
				return
			}
			h.Release()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, backend.MaxConcurrent(), "clone and fetch never overlap on one key")
	assert.Equal(t, 1, backend.Clones())
	assert.Equal(t, workers-1, backend.Fetches())
}

func TestAcquire_DistinctKeysInParallel(t *testing.T) {
	c, backend := newTestCache(t, testConfig(t))
	backend.SetDelay(50 * time.Millisecond)

	urls := []string{
		"https://example.org/a.git",
		"https://example.org/b.git",
		"https://example.org/c.git",
	}
	for _, u := range urls {
		backend.AddRemote(u, "master")
	}

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), u, "master")
			if assert.NoError(t, err) {
				h.Release()
			}
		}(u)
	}
	wg.Wait()

	assert.Greater(t, backend.MaxConcurrent(), 1)
}

func TestAcquire_EvictsAtCapacity(t *testing.T) {
	clk := newClock()
	cfg := testConfig(t)
	cfg.CapacityLimit = 25_000
	c, backend := newTestCache(t, cfg, WithClock(clk.Now))
	ctx := context.Background()

	urls := []string{
		"https://example.org/one.git",
		"https://example.org/two.git",
		"https://example.org/three.git",
	}
	for _, u := range urls {
		backend.AddRemote(u, "master")
		backend.SetPayload(u, 10_000)
	}

	for _, u := range urls {
		h, err := c.Acquire(ctx, u, "master")
		require.NoError(t, err)
		h.Release()
		clk.Advance(time.Minute)
	}

	assert.False(t, c.store.Exists(mustKey(t, urls[0])), "least recently used entry is evicted")
	assert.True(t, c.store.Exists(mustKey(t, urls[1])))
	assert.True(t, c.store.Exists(mustKey(t, urls[2])))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.LessOrEqual(t, stats.TotalSize, int64(cfg.CapacityLimit))
}

func TestAcquire_EvictionSkipsHeldEntries(t *testing.T) {
	clk := newClock()
	cfg := testConfig(t)
	cfg.CapacityLimit = 25_000
	c, backend := newTestCache(t, cfg, WithClock(clk.Now))
	ctx := context.Background()

	urls := []string{
		"https://example.org/one.git",
		"https://example.org/two.git",
		"https://example.org/three.git",
	}
	for _, u := range urls {
		backend.AddRemote(u, "master")
		backend.SetPayload(u, 10_000)
	}

	held, err := c.Acquire(ctx, urls[0], "master")
	require.NoError(t, err)
	defer held.Release()
	clk.Advance(time.Minute)

	for _, u := range urls[1:] {
		h, err := c.Acquire(ctx, u, "master")
		require.NoError(t, err)
		h.Release()
		clk.Advance(time.Minute)
	}

	assert.DirExists(t, held.Path(), "entry in use is never evicted")
	assert.False(t, c.store.Exists(mustKey(t, urls[1])))
	assert.True(t, c.store.Exists(mustKey(t, urls[2])))
}

func TestAcquire_BareMismatchReclones(t *testing.T) {
	cfg := testConfig(t)
	c, backend := newTestCache(t, cfg)
	ctx := context.Background()

	h, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()

	cfg.Bare = true
	bare, err := New(ctx, cfg, WithBackend(backend))
	require.NoError(t, err)

	h, err = bare.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	defer h.Release()

	assert.True(t, h.Entry().Bare)
	assert.Equal(t, 2, backend.Clones())
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	c, _ := newTestCache(t, testConfig(t))
	k := mustKey(t, testURL)

	h, err := c.Acquire(context.Background(), testURL, "master")
	require.NoError(t, err)
	assert.True(t, c.locks.Held(k))

	h.Release()
	h.Release()
	assert.False(t, c.locks.Held(k))
}

func TestInvalidate(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockTimeout = 50 * time.Millisecond
	c, backend := newTestCache(t, cfg)
	ctx := context.Background()
	k := mustKey(t, testURL)

	h, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)

	err = c.Invalidate(ctx, testURL)
	assert.True(t, cacheerr.Is(err, cacheerr.CodeLockTimeout), "held entry is not removed")
	assert.True(t, c.store.Exists(k))

	h.Release()
	require.NoError(t, c.Invalidate(ctx, testURL))
	assert.False(t, c.store.Exists(k))
	assert.NoError(t, c.Invalidate(ctx, testURL), "missing entry")

	h, err = c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, 2, backend.Clones())
}

func TestEvictOlderThan(t *testing.T) {
	clk := newClock()
	c, backend := newTestCache(t, testConfig(t), WithClock(clk.Now))
	ctx := context.Background()

	old := "https://example.org/old.git"
	backend.AddRemote(old, "master")

	h, err := c.Acquire(ctx, old, "master")
	require.NoError(t, err)
	h.Release()

	clk.Advance(48 * time.Hour)
	h, err = c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()

	res, err := c.EvictOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, old, res.Evicted[0].URL)
	assert.True(t, c.store.Exists(mustKey(t, testURL)))
}

func TestStats(t *testing.T) {
	clk := newClock()
	c, backend := newTestCache(t, testConfig(t), WithClock(clk.Now))
	ctx := context.Background()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
	assert.Nil(t, stats.OldestAccess)
	assert.Nil(t, stats.NewestAccess)

	other := "https://example.org/other.git"
	backend.AddRemote(other, "master")

	first := clk.Now()
	for _, u := range []string{testURL, other} {
		h, err := c.Acquire(ctx, u, "master")
		require.NoError(t, err)
		h.Release()
		clk.Advance(time.Hour)
	}

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Positive(t, stats.TotalSize)
	require.NotNil(t, stats.OldestAccess)
	assert.Equal(t, first, *stats.OldestAccess)
	assert.Equal(t, first.Add(time.Hour), *stats.NewestAccess)

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, testURL, entries[0].URL)
}

func TestNew_RemovesStaleStaging(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := store.New(cfg.Root)
	require.NoError(t, err)

	stale := s.NewStagingPath(mustKey(t, testURL))
	require.NoError(t, os.MkdirAll(stale, 0o755))

	busyKey := mustKey(t, "https://example.org/busy.git")
	busy := s.NewStagingPath(busyKey)
	require.NoError(t, os.MkdirAll(busy, 0o755))

	locks, err := lock.NewManager(cfg.Root)
	require.NoError(t, err)
	g, err := locks.Acquire(ctx, busyKey, lock.Exclusive, 0)
	require.NoError(t, err)
	defer g.Release()

	_, _ = newTestCache(t, cfg)

	assert.NoDirExists(t, stale)
	assert.DirExists(t, busy, "staging of a clone in progress is kept")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.UpdateMode = "sometimes"

	_, err := New(context.Background(), cfg)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestStartGC(t *testing.T) {
	clk := newClock()
	cfg := testConfig(t)
	cfg.EvictAfter = time.Hour
	c, _ := newTestCache(t, cfg, WithClock(clk.Now))
	ctx := context.Background()
	k := mustKey(t, testURL)

	h, err := c.Acquire(ctx, testURL, "master")
	require.NoError(t, err)
	h.Release()
	clk.Advance(2 * time.Hour)

	stop := c.StartGC(ctx, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !c.store.Exists(k)
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()
}
