// Package lock provides per-key shared/exclusive locks that hold across
// goroutines and across processes.
//
// Each key has a lock file (<dir>/<key>.lock) used purely as a flock(2)
// target. Every Guard opens its own file description, so two guards in the
// same process contend exactly like two guards in different processes. The
// Manager additionally keeps an in-process reference count of live guards
// per key, which callers use to check whether this process is using a key.
//
// Lock files are never deleted: unlinking a lock file while another process
// waits on it would let a third process lock a fresh inode under the same
// name.
package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/internal/key"
)

// Mode is the lock mode.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota
	// Exclusive excludes every other holder.
	Exclusive
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

func (m Mode) flag() int {
	if m == Exclusive {
		return unix.LOCK_EX
	}
	return unix.LOCK_SH
}

var errWouldBlock = stderrors.New("lock is held by another owner")

// Manager hands out Guards for keys under a lock directory.
type Manager struct {
	dir             string
	pollInterval    time.Duration
	maxPollInterval time.Duration

	mu      sync.Mutex
	holders map[key.Key]*holders
}

type holders struct {
	shared    int
	exclusive int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the initial and maximum interval between attempts
// while waiting for a contended lock.
func WithPollInterval(initial, max time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = initial
		m.maxPollInterval = max
	}
}

// NewManager creates a Manager storing lock files in dir. The directory is
// created if it does not exist.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:             dir,
		pollInterval:    10 * time.Millisecond,
		maxPollInterval: 250 * time.Millisecond,
		holders:         make(map[key.Key]*holders),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to create lock directory", map[string]interface{}{
			"path": dir,
		})
	}
	return m, nil
}

// Path returns the lock file path for k.
func (m *Manager) Path(k key.Key) string {
	return filepath.Join(m.dir, k.String()+".lock")
}

// Acquire blocks until k can be locked in mode, or fails with LockTimeout
// once timeout elapses or ctx is done. A timeout <= 0 makes a single
// attempt.
func (m *Manager) Acquire(ctx context.Context, k key.Key, mode Mode, timeout time.Duration) (*Guard, error) {
	f, err := m.open(k)
	if err != nil {
		return nil, err
	}

	if err := m.wait(ctx, f, k, mode, timeout); err != nil {
		_ = f.Close()
		return nil, err
	}

	m.track(k, mode, 1)
	return &Guard{m: m, key: k, mode: mode, file: f}, nil
}

// TryAcquire attempts to lock k in mode without waiting. It returns
// ok=false, with a nil error, when another owner holds a conflicting lock.
func (m *Manager) TryAcquire(k key.Key, mode Mode) (*Guard, bool, error) {
	f, err := m.open(k)
	if err != nil {
		return nil, false, err
	}

	ok, err := tryLock(f, mode)
	if err != nil || !ok {
		_ = f.Close()
		return nil, false, err
	}

	m.track(k, mode, 1)
	return &Guard{m: m, key: k, mode: mode, file: f}, true, nil
}

// Held reports whether any guard for k is live in this process.
func (m *Manager) Held(k key.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.holders[k]
	return ok
}

// Holders returns the number of live shared and exclusive guards for k in
// this process.
func (m *Manager) Holders(k key.Key) (shared, exclusive int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holders[k]; ok {
		return h.shared, h.exclusive
	}
	return 0, 0
}

func (m *Manager) open(k key.Key) (*os.File, error) {
	path := m.Path(k)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to open lock file", map[string]interface{}{
			"key":  k.String(),
			"path": path,
		})
	}
	return f, nil
}

func (m *Manager) wait(ctx context.Context, f *os.File, k key.Key, mode Mode, timeout time.Duration) error {
	ok, err := tryLock(f, mode)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if timeout <= 0 {
		return m.timeoutError(k, mode, timeout, errWouldBlock)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.pollInterval
	b.MaxInterval = m.maxPollInterval
	b.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		ok, err := tryLock(f, mode)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errWouldBlock
		}
		return nil
	}, backoff.WithContext(b, waitCtx))
	if err == nil {
		return nil
	}

	if stderrors.Is(err, errWouldBlock) || waitCtx.Err() != nil {
		return m.timeoutError(k, mode, timeout, err)
	}
	return err
}

func (m *Manager) timeoutError(k key.Key, mode Mode, timeout time.Duration, cause error) error {
	return cacheerr.WrapWithContext(cause, cacheerr.CodeLockTimeout,
		fmt.Sprintf("timed out waiting for %s lock", mode), map[string]interface{}{
			"key":     k.String(),
			"mode":    mode.String(),
			"timeout": timeout.String(),
		})
}

func (m *Manager) track(k key.Key, mode Mode, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holders[k]
	if !ok {
		h = &holders{}
		m.holders[k] = h
	}
	if mode == Exclusive {
		h.exclusive += delta
	} else {
		h.shared += delta
	}
	if h.shared <= 0 && h.exclusive <= 0 {
		delete(m.holders, k)
	}
}

// tryLock attempts a non-blocking flock. EINTR is reported as contention so
// the caller simply tries again.
func tryLock(f *os.File, mode Mode) (bool, error) {
	err := unix.Flock(int(f.Fd()), mode.flag()|unix.LOCK_NB)
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, unix.EWOULDBLOCK), stderrors.Is(err, unix.EINTR):
		return false, nil
	default:
		return false, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "flock failed", map[string]interface{}{
			"path": f.Name(),
		})
	}
}

// Guard is a held lock on one key.
type Guard struct {
	m   *Manager
	key key.Key

	mu   sync.Mutex
	mode Mode
	file *os.File
}

// Key returns the locked key.
func (g *Guard) Key() key.Key {
	return g.key
}

// Mode returns the currently held mode.
func (g *Guard) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Released reports whether the guard no longer holds a lock.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.file == nil
}

// Upgrade converts a shared guard to exclusive.
//
// flock(2) cannot convert shared to exclusive atomically: the shared lock is
// dropped before the exclusive one is granted, and another writer may run
// in between. Callers must re-check anything they observed under the shared
// lock. If the exclusive lock is not granted in time the guard is released
// and LockTimeout is returned.
func (g *Guard) Upgrade(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return cacheerr.Newf(cacheerr.CodeLockTimeout, "cannot upgrade released lock for %s", g.key.Short())
	}
	if g.mode == Exclusive {
		return nil
	}

	// Drop the shared lock explicitly so two upgraders never wait on each other.
	_ = unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	g.m.track(g.key, Shared, -1)

	if err := g.m.wait(ctx, g.file, g.key, Exclusive, timeout); err != nil {
		_ = g.file.Close()
		g.file = nil
		return err
	}

	g.mode = Exclusive
	g.m.track(g.key, Exclusive, 1)
	return nil
}

// Downgrade converts an exclusive guard to shared.
//
// Like Upgrade, the conversion is not atomic on Linux: flock(2) releases the
// exclusive lock before granting the shared one, so a TryAcquire(Exclusive)
// from another owner can succeed in between and Downgrade then waits for it
// to finish. Callers re-check the entry after downgrading.
func (g *Guard) Downgrade() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return cacheerr.Newf(cacheerr.CodeLockTimeout, "cannot downgrade released lock for %s", g.key.Short())
	}
	if g.mode == Shared {
		return nil
	}

	if err := unix.Flock(int(g.file.Fd()), unix.LOCK_SH); err != nil {
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to downgrade lock", map[string]interface{}{
			"key":  g.key.String(),
			"path": g.file.Name(),
		})
	}

	g.m.track(g.key, Exclusive, -1)
	g.m.track(g.key, Shared, 1)
	g.mode = Shared
	return nil
}

// Release unlocks the key. It is safe to call more than once.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return
	}

	_ = unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	_ = g.file.Close()
	g.file = nil
	g.m.track(g.key, g.mode, -1)
}
