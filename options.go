package repocache

import (
	"time"

	"github.com/jmgilman/go/repocache/vcs"
)

// Option configures a Cache.
type Option func(*Cache)

// WithBackend sets the version-control backend, overriding Config.Backend.
func WithBackend(b vcs.Backend) Option {
	return func(c *Cache) {
		c.backend = b
	}
}

// WithClock overrides the time source for staleness and access times.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// AcquireOption overrides configuration for a single Acquire.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	mode        UpdateMode
	maxAge      time.Duration
	lockTimeout time.Duration
}

// WithUpdateMode sets when the entry is refreshed.
//
// Example:
//
//	h, _ := c.Acquire(ctx, url, "master", WithUpdateMode(UpdateAlways))
func WithUpdateMode(mode UpdateMode) AcquireOption {
	return func(opts *acquireOptions) {
		opts.mode = mode
	}
}

// WithMaxAge sets how old the entry's last fetch may be before it is
// refreshed.
func WithMaxAge(age time.Duration) AcquireOption {
	return func(opts *acquireOptions) {
		opts.maxAge = age
	}
}

// WithLockTimeout bounds each wait for the entry's lock.
//
// Example:
//
//	h, err := c.Acquire(ctx, url, "debian/sid", WithLockTimeout(30*time.Second))
//	if cacheerr.Is(err, cacheerr.CodeLockTimeout) {
//	    // report a transient failure
//	}
func WithLockTimeout(timeout time.Duration) AcquireOption {
	return func(opts *acquireOptions) {
		opts.lockTimeout = timeout
	}
}
