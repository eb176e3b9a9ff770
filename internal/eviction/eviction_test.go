package eviction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/repocache/internal/key"
	"github.com/jmgilman/go/repocache/internal/lock"
	"github.com/jmgilman/go/repocache/internal/store"
)

type fixture struct {
	store *store.Store
	locks *lock.Manager
	base  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	s, err := store.New(root)
	require.NoError(t, err)
	l, err := lock.NewManager(root)
	require.NoError(t, err)
	return &fixture{store: s, locks: l, base: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// addEntry creates an entry of size bytes last accessed at base+age.
func (f *fixture) addEntry(t *testing.T, url string, size int, age time.Duration) key.Key {
	t.Helper()
	k, err := key.Resolve(url)
	require.NoError(t, err)

	dir := f.store.Path(k)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack"), make([]byte, size), 0o644))
	require.NoError(t, f.store.Record(&store.Entry{
		Key:        k,
		URL:        url,
		CreatedAt:  f.base,
		LastAccess: f.base.Add(age),
		LastFetch:  f.base.Add(age),
		Size:       int64(size),
	}))
	return k
}

func TestEvictIfNeeded_UnderLimitIsNoop(t *testing.T) {
	tests := []struct {
		name  string
		limit int64
	}{
		{name: "unlimited", limit: 0},
		{name: "negative", limit: -1},
		{name: "exactly at limit", limit: 300},
		{name: "well under limit", limit: 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.addEntry(t, "https://example.org/a", 100, time.Hour)
			b := f.addEntry(t, "https://example.org/b", 200, 2*time.Hour)

			p := New(f.store, f.locks)
			res, err := p.EvictIfNeeded(context.Background(), tt.limit)
			require.NoError(t, err)
			assert.Empty(t, res.Evicted)
			assert.Zero(t, res.Freed())

			assert.True(t, f.store.Exists(a))
			assert.True(t, f.store.Exists(b))
		})
	}
}

func TestEvictIfNeeded_LeastRecentlyUsedFirst(t *testing.T) {
	f := newFixture(t)
	oldest := f.addEntry(t, "https://example.org/oldest", 100, time.Hour)
	middle := f.addEntry(t, "https://example.org/middle", 100, 2*time.Hour)
	newest := f.addEntry(t, "https://example.org/newest", 100, 3*time.Hour)

	p := New(f.store, f.locks)
	res, err := p.EvictIfNeeded(context.Background(), 150)
	require.NoError(t, err)

	require.Len(t, res.Evicted, 2)
	assert.Equal(t, oldest, res.Evicted[0].Key)
	assert.Equal(t, middle, res.Evicted[1].Key)
	assert.Equal(t, int64(300), res.Before)
	assert.Equal(t, int64(100), res.After)
	assert.Equal(t, int64(200), res.Freed())

	assert.False(t, f.store.Exists(oldest))
	assert.False(t, f.store.Exists(middle))
	assert.True(t, f.store.Exists(newest))
}

func TestEvictIfNeeded_SkipsLockedEntries(t *testing.T) {
	for _, mode := range []lock.Mode{lock.Shared, lock.Exclusive} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t)
			busy := f.addEntry(t, "https://example.org/busy", 100, time.Hour)
			idle := f.addEntry(t, "https://example.org/idle", 100, 2*time.Hour)
			newest := f.addEntry(t, "https://example.org/newest", 100, 3*time.Hour)

			g, err := f.locks.Acquire(context.Background(), busy, mode, time.Second)
			require.NoError(t, err)
			defer g.Release()

			p := New(f.store, f.locks)
			res, err := p.EvictIfNeeded(context.Background(), 250)
			require.NoError(t, err)

			assert.Equal(t, []key.Key{busy}, res.Skipped)
			require.Len(t, res.Evicted, 1)
			assert.Equal(t, idle, res.Evicted[0].Key)

			assert.True(t, f.store.Exists(busy), "in-use entry must never be evicted")
			assert.True(t, f.store.Exists(newest))
		})
	}
}

func TestEvictIfNeeded_AllLockedIsNotAnError(t *testing.T) {
	f := newFixture(t)
	a := f.addEntry(t, "https://example.org/a", 100, time.Hour)
	b := f.addEntry(t, "https://example.org/b", 100, 2*time.Hour)

	for _, k := range []key.Key{a, b} {
		g, err := f.locks.Acquire(context.Background(), k, lock.Shared, time.Second)
		require.NoError(t, err)
		defer g.Release()
	}

	p := New(f.store, f.locks)
	res, err := p.EvictIfNeeded(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, res.Evicted)
	assert.Len(t, res.Skipped, 2)
	assert.Equal(t, res.Before, res.After)
}

func TestEvictIfNeeded_ReleasesLocks(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "https://example.org/a", 100, time.Hour)
	b := f.addEntry(t, "https://example.org/b", 100, 2*time.Hour)

	p := New(f.store, f.locks)
	_, err := p.EvictIfNeeded(context.Background(), 150)
	require.NoError(t, err)

	g, ok, err := f.locks.TryAcquire(b, lock.Exclusive)
	require.NoError(t, err)
	require.True(t, ok)
	g.Release()
}

func TestEvictOlderThan(t *testing.T) {
	f := newFixture(t)
	now := f.base.Add(10 * 24 * time.Hour)

	stale := f.addEntry(t, "https://example.org/stale", 100, time.Hour)
	staleBusy := f.addEntry(t, "https://example.org/stale-busy", 100, 2*time.Hour)
	recent := f.addEntry(t, "https://example.org/recent", 100, 9*24*time.Hour)

	g, err := f.locks.Acquire(context.Background(), staleBusy, lock.Shared, time.Second)
	require.NoError(t, err)
	defer g.Release()

	p := New(f.store, f.locks, WithClock(func() time.Time { return now }))
	res, err := p.EvictOlderThan(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)

	require.Len(t, res.Evicted, 1)
	assert.Equal(t, stale, res.Evicted[0].Key)
	assert.Equal(t, []key.Key{staleBusy}, res.Skipped)
	assert.True(t, f.store.Exists(recent))
	assert.True(t, f.store.Exists(staleBusy))
}

func TestEvictIfNeeded_EmptyCache(t *testing.T) {
	f := newFixture(t)

	res, err := New(f.store, f.locks).EvictIfNeeded(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Evicted)
	assert.Zero(t, res.Before)
}
