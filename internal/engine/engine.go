// Package engine brings a cache entry's clone up to date.
//
// Full clones are written into the store's staging area, verified, then
// renamed over the entry path, so the entry path only ever holds a complete
// clone. Existing clones are updated in place with a fetch, which the
// version-control tool applies transactionally: a failed fetch leaves the
// clone as it was. A clone that fails verification is replaced by a fresh
// one instead of being fetched.
//
// Callers hold the entry's exclusive lock for the duration of Ensure.
package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chainguard-dev/clog"
	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/internal/key"
	"github.com/jmgilman/go/repocache/vcs"
)

// Action describes what Ensure did to the entry.
type Action string

const (
	// ActionCloned means the entry did not exist and was cloned.
	ActionCloned Action = "cloned"
	// ActionFetched means the existing clone was fetched.
	ActionFetched Action = "fetched"
	// ActionRecloned means the existing clone was corrupt and was replaced.
	ActionRecloned Action = "recloned"
)

// UpdateResult describes a completed update.
type UpdateResult struct {
	Action Action
	// Commit is the commit the requested revision resolved to.
	Commit string
	// Refs is the clone's branch and tag set after the update.
	Refs map[string]string
	// Attempts is the number of clone or fetch attempts made.
	Attempts int
	Duration time.Duration
}

// Stager is the subset of the directory store the engine needs.
type Stager interface {
	Path(k key.Key) string
	Exists(k key.Key) bool
	NewStagingPath(k key.Key) string
	Install(k key.Key, staging string) error
	RemovePath(path string) error
}

// Engine clones and fetches cache entries.
type Engine struct {
	backend vcs.Backend
	store   Stager

	bare       bool
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithBare makes the engine create and expect bare clones.
func WithBare(bare bool) Option {
	return func(e *Engine) {
		e.bare = bare
	}
}

// WithRetries sets how many times a transient clone or fetch failure is
// retried, and the initial delay between attempts. The delay grows
// exponentially.
func WithRetries(retries int, initial time.Duration) Option {
	return func(e *Engine) {
		e.retries = retries
		e.backoff = initial
	}
}

// New creates an Engine.
func New(backend vcs.Backend, store Stager, opts ...Option) *Engine {
	e := &Engine{
		backend:    backend,
		store:      store,
		retries:    3,
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ensure makes k's clone of url current and resolves revision in it.
//
// A missing entry is cloned and a corrupt one re-cloned. An existing entry
// is fetched. Transient failures are retried; exhausting the retries, or a
// permanent remote failure, returns RepositoryUnavailable with the entry
// untouched.
//
// If revision does not resolve after the update, Ensure returns both the
// result, describing the clone that is now on disk, and a RevisionNotFound
// error.
//
// Ensure ignores cancellation of ctx once started: an interrupted update
// would only waste the transfer.
func (e *Engine) Ensure(ctx context.Context, k key.Key, url, revision string) (*UpdateResult, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	path := e.store.Path(k)
	// The caller's logger already carries the key and URL.
	log := clog.FromContext(ctx)

	res := &UpdateResult{}
	switch {
	case !e.store.Exists(k):
		res.Action = ActionCloned
	default:
		if err := e.backend.Verify(ctx, path, e.bare); err != nil {
			log.Warn("cached clone is unreadable, re-cloning", "path", path, "error", err)
			res.Action = ActionRecloned
		} else {
			res.Action = ActionFetched
		}
	}

	var err error
	if res.Action == ActionFetched {
		log.Info("fetching repository", "path", path)
		res.Attempts, err = e.retry(ctx, log, "fetch", func() error {
			return e.backend.Fetch(ctx, path)
		})
	} else {
		log.Info("cloning repository", "path", path, "bare", e.bare)
		res.Attempts, err = e.clone(ctx, log, k, url)
	}
	if err != nil {
		return nil, e.unavailable(err, k, url, path, res)
	}

	refs, err := e.backend.Refs(ctx, path)
	if err != nil {
		return nil, errors.WithContextMap(err, map[string]interface{}{
			"key":  k.String(),
			"path": path,
		})
	}
	res.Refs = refs
	res.Duration = time.Since(start)

	log.Info("repository updated", "action", string(res.Action), "attempts", res.Attempts,
		"refs", len(refs), "duration", res.Duration)

	commit, err := e.Resolve(ctx, k, revision)
	if err != nil {
		return res, err
	}
	res.Commit = commit
	return res, nil
}

// Resolve returns the commit revision resolves to in k's clone. An empty
// revision resolves HEAD. Callers hold at least a shared lock on k.
func (e *Engine) Resolve(ctx context.Context, k key.Key, revision string) (string, error) {
	if revision == "" {
		revision = "HEAD"
	}
	path := e.store.Path(k)

	commit, err := e.backend.ResolveRevision(ctx, path, revision)
	if err != nil {
		fields := map[string]interface{}{
			"key":      k.String(),
			"path":     path,
			"revision": revision,
		}
		if cacheerr.Is(err, cacheerr.CodeRevisionNotFound) || cacheerr.Is(err, cacheerr.CodeCacheCorruption) {
			return "", errors.WithContextMap(err, fields)
		}
		return "", cacheerr.WrapWithContext(err, cacheerr.CodeRevisionNotFound, "failed to resolve revision", fields)
	}
	return commit, nil
}

// Verify checks k's clone without modifying it.
func (e *Engine) Verify(ctx context.Context, k key.Key) error {
	return e.backend.Verify(ctx, e.store.Path(k), e.bare)
}

// clone clones into a fresh staging directory per attempt, verifies the
// result and installs it over the entry path.
func (e *Engine) clone(ctx context.Context, log *clog.Logger, k key.Key, url string) (int, error) {
	var staging string
	attempts, err := e.retry(ctx, log, "clone", func() error {
		staging = e.store.NewStagingPath(k)
		if err := e.backend.Clone(ctx, url, staging, vcs.CloneOptions{Bare: e.bare}); err != nil {
			if rmErr := e.store.RemovePath(staging); rmErr != nil {
				log.Warn("failed to remove partial clone", "path", staging, "error", rmErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return attempts, err
	}

	if err := e.backend.Verify(ctx, staging, e.bare); err != nil {
		_ = e.store.RemovePath(staging)
		return attempts, cacheerr.WrapWithContext(err, cacheerr.CodeCacheCorruption, "fresh clone failed verification", map[string]interface{}{
			"key":     k.String(),
			"staging": staging,
		})
	}

	if err := e.store.Install(k, staging); err != nil {
		_ = e.store.RemovePath(staging)
		return attempts, err
	}
	return attempts, nil
}

// retry runs fn until it succeeds, fails permanently or the retry budget is
// spent.
func (e *Engine) retry(ctx context.Context, log *clog.Logger, op string, fn func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoff
	b.MaxInterval = e.maxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if err != nil && !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.retries, 0))), ctx), func(err error, next time.Duration) {
		log.Warn("transient failure, retrying", "op", op, "attempt", attempts, "backoff", next, "error", err)
	})
	return attempts, err
}

func (e *Engine) unavailable(err error, k key.Key, url, path string, res *UpdateResult) error {
	// Corruption and disk errors from installing a clone keep their own code.
	if cacheerr.Is(err, cacheerr.CodeCacheCorruption) || cacheerr.Is(err, cacheerr.CodeDiskIO) {
		return err
	}
	return cacheerr.WrapWithContext(err, cacheerr.CodeRepositoryUnavailable, "failed to "+verb(res.Action)+" repository", map[string]interface{}{
		"key":      k.String(),
		"url":      url,
		"path":     path,
		"attempts": res.Attempts,
	})
}

func verb(a Action) string {
	if a == ActionFetched {
		return "fetch"
	}
	return "clone"
}
