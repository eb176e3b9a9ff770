// Package vcstest provides an in-memory version-control backend for tests.
//
// Remotes are registered by URL with a set of refs. A clone is a directory
// holding a small state file with the refs copied at clone or fetch time,
// plus an optional payload file so clones occupy a predictable amount of
// disk. The backend counts invocations and tracks how many clone/fetch
// operations overlap, which lets tests assert mutual exclusion.
package vcstest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/vcs"
)

// StateFile is the name of the state file written into every fake clone.
const StateFile = ".vcstest.json"

// PayloadFile is the name of the padding file written into every fake clone.
const PayloadFile = "payload.pack"

type state struct {
	URL  string            `json:"url"`
	Bare bool              `json:"bare"`
	Refs map[string]string `json:"refs"`
}

// Remote is a fake upstream repository.
type Remote struct {
	// Refs maps full ref names (refs/heads/master) to commit ids.
	Refs map[string]string
	// Payload is the number of padding bytes written into each clone.
	Payload int
}

// Backend is a fake vcs.Backend. The zero value is not usable; call New.
type Backend struct {
	mu        sync.Mutex
	remotes   map[string]*Remote
	cloneErrs []error
	fetchErrs []error
	delay     time.Duration

	afterResolve func(path string)

	clones    int
	fetches   int
	resolves  int
	active    int
	maxActive int
}

var _ vcs.Backend = (*Backend)(nil)

// New creates an empty fake backend.
func New() *Backend {
	return &Backend{remotes: make(map[string]*Remote)}
}

// AddRemote registers a remote at url with the given branches. Each branch
// points at a commit id derived from its name.
func (b *Backend) AddRemote(url string, branches ...string) *Remote {
	r := &Remote{Refs: make(map[string]string)}
	for _, br := range branches {
		r.Refs["refs/heads/"+br] = Commit(br, 1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remotes[url] = r
	return r
}

// SetPayload sets the padding bytes written into clones of url.
func (b *Backend) SetPayload(url string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.remotes[url]; ok {
		r.Payload = n
	}
}

// SetRef points ref at commit on the remote at url.
func (b *Backend) SetRef(url, ref, commit string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.remotes[url]; ok {
		r.Refs[ref] = commit
	}
}

// DeleteRef removes ref from the remote at url.
func (b *Backend) DeleteRef(url, ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.remotes[url]; ok {
		delete(r.Refs, ref)
	}
}

// FailClone queues errors returned by the next clones, one per call.
func (b *Backend) FailClone(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cloneErrs = append(b.cloneErrs, errs...)
}

// FailFetch queues errors returned by the next fetches, one per call.
func (b *Backend) FailFetch(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrs = append(b.fetchErrs, errs...)
}

// AfterResolve makes ResolveRevision call fn with the clone path once the
// revision has been looked up, before returning.
func (b *Backend) AfterResolve(fn func(path string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterResolve = fn
}

// SetDelay makes every clone and fetch take at least d.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Clones returns the number of Clone calls.
func (b *Backend) Clones() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clones
}

// Fetches returns the number of Fetch calls.
func (b *Backend) Fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

// Resolves returns the number of ResolveRevision calls.
func (b *Backend) Resolves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolves
}

// MaxConcurrent returns the largest number of clone/fetch calls that were
// ever in flight at once.
func (b *Backend) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

// Transient returns a retryable transport error.
func Transient(msg string) error {
	return errors.New(errors.CodeNetwork, msg)
}

// Permanent returns a non-retryable remote error.
func Permanent(msg string) error {
	return errors.New(errors.CodeExecutionFailed, msg)
}

// Commit returns a deterministic 40-character commit id for name at
// generation n.
func Commit(name string, n int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s@%d", name, n)))
	return hex.EncodeToString(sum[:])
}

func (b *Backend) begin(counter *int) (time.Duration, func()) {
	b.mu.Lock()
	*counter++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	delay := b.delay
	b.mu.Unlock()

	return delay, func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// Clone implements vcs.Backend.
func (b *Backend) Clone(_ context.Context, url, path string, opts vcs.CloneOptions) error {
	delay, done := b.begin(&b.clones)
	defer done()
	time.Sleep(delay)

	b.mu.Lock()
	err := pop(&b.cloneErrs)
	remote, ok := b.remotes[url]
	var refs map[string]string
	var payload int
	if ok {
		refs = copyRefs(remote.Refs)
		payload = remote.Payload
	}
	b.mu.Unlock()

	if err != nil {
		// Leave a partial clone behind, as an interrupted transfer would.
		_ = os.MkdirAll(path, 0o755)
		_ = os.WriteFile(filepath.Join(path, "partial"), []byte("x"), 0o644)
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeExecutionFailed, "repository %s not found", url)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if payload > 0 {
		if err := os.WriteFile(filepath.Join(path, PayloadFile), make([]byte, payload), 0o644); err != nil {
			return err
		}
	}
	return writeState(path, &state{URL: url, Bare: opts.Bare, Refs: refs})
}

// Fetch implements vcs.Backend.
func (b *Backend) Fetch(_ context.Context, path string) error {
	delay, done := b.begin(&b.fetches)
	defer done()
	time.Sleep(delay)

	st, err := readState(path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ferr := pop(&b.fetchErrs)
	remote, ok := b.remotes[st.URL]
	var refs map[string]string
	if ok {
		refs = copyRefs(remote.Refs)
	}
	b.mu.Unlock()

	if ferr != nil {
		return ferr
	}
	if !ok {
		return errors.Newf(errors.CodeExecutionFailed, "repository %s not found", st.URL)
	}

	st.Refs = refs
	return writeState(path, st)
}

// ResolveRevision implements vcs.Backend.
func (b *Backend) ResolveRevision(_ context.Context, path, revision string) (string, error) {
	b.mu.Lock()
	b.resolves++
	hook := b.afterResolve
	b.mu.Unlock()
	if hook != nil {
		defer hook(path)
	}

	st, err := readState(path)
	if err != nil {
		return "", err
	}

	for _, candidate := range []string{revision, "refs/heads/" + revision, "refs/tags/" + revision} {
		if commit, ok := st.Refs[candidate]; ok {
			return commit, nil
		}
	}
	for _, commit := range st.Refs {
		if commit == revision {
			return commit, nil
		}
	}
	return "", cacheerr.Newf(cacheerr.CodeRevisionNotFound, "revision %q not found", revision)
}

// Refs implements vcs.Backend.
func (b *Backend) Refs(_ context.Context, path string) (map[string]string, error) {
	st, err := readState(path)
	if err != nil {
		return nil, err
	}
	return copyRefs(st.Refs), nil
}

// Verify implements vcs.Backend.
func (b *Backend) Verify(_ context.Context, path string, bare bool) error {
	st, err := readState(path)
	if err != nil {
		return err
	}
	if st.Bare != bare {
		return cacheerr.Newf(cacheerr.CodeCacheCorruption, "clone at %s has bare=%t, want %t", path, st.Bare, bare)
	}
	return nil
}

// Corrupt damages the clone at path so Verify fails.
func Corrupt(path string) error {
	return os.WriteFile(filepath.Join(path, StateFile), []byte("garbage"), 0o644)
}

func readState(path string) (*state, error) {
	data, err := os.ReadFile(filepath.Join(path, StateFile))
	if err != nil {
		return nil, cacheerr.Wrapf(err, cacheerr.CodeCacheCorruption, "no clone at %s", path)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, cacheerr.Wrapf(err, cacheerr.CodeCacheCorruption, "unreadable clone at %s", path)
	}
	return &st, nil
}

func writeState(path string, st *state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, StateFile), data, 0o644)
}

func copyRefs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
