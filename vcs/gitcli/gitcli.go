// Package gitcli implements vcs.Backend by running the git executable.
//
// Commands run through github.com/jmgilman/go/exec with terminal prompts
// disabled, so a remote asking for credentials fails instead of hanging.
// A failing command's stderr is attached to the returned error under the
// "stderr" context key.
package gitcli

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/vcs"
)

// transientPatterns are stderr fragments of failures worth retrying.
var transientPatterns = []string{
	"could not resolve host",
	"connection timed out",
	"connection refused",
	"connection reset",
	"operation timed out",
	"early eof",
	"the remote end hung up unexpectedly",
	"rpc failed",
	"unable to access",
	"temporary failure",
	"tls handshake timeout",
	"http 5",
	"returned error: 5",
}

// Backend runs git as a subprocess.
type Backend struct {
	binary   string
	executor exec.Executor
	env      map[string]string
}

var _ vcs.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithBinary sets the git executable. Defaults to "git" from PATH.
func WithBinary(path string) Option {
	return func(b *Backend) {
		b.binary = path
	}
}

// WithExecutor sets the executor commands run through. The executor is
// cloned for every command.
func WithExecutor(e exec.Executor) Option {
	return func(b *Backend) {
		b.executor = e
	}
}

// WithEnv adds environment variables to every git invocation.
func WithEnv(env map[string]string) Option {
	return func(b *Backend) {
		for k, v := range env {
			b.env[k] = v
		}
	}
}

// New creates a Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		binary:   "git",
		executor: exec.New(exec.WithInheritEnv(), exec.WithDisableColors()),
		env: map[string]string{
			"GIT_TERMINAL_PROMPT": "0",
			"LC_ALL":              "C",
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) run(ctx context.Context, dir string, args ...string) (*exec.Result, error) {
	cmd := exec.NewWrapper(b.executor.Clone(), b.binary).
		WithContext(ctx).
		WithEnv(b.env)
	if dir != "" {
		cmd = cmd.WithDir(dir)
	}

	clog.FromContext(ctx).Debug("running git", "args", args, "dir", dir)
	res, err := cmd.Run(args...)
	if err != nil {
		return res, commandError(err, args)
	}
	return res, nil
}

// commandError classifies a failed git invocation by its stderr.
func commandError(err error, args []string) errors.PlatformError {
	stderr := ""
	exitCode := -1
	var execErr *exec.ExecError
	if stderrors.As(err, &execErr) {
		stderr = strings.TrimSpace(execErr.Stderr)
		exitCode = execErr.ExitCode
	}

	code := errors.CodeExecutionFailed
	if isTransient(stderr) {
		code = errors.CodeNetwork
	}

	return cacheerr.WrapWithContext(err, code, "git "+args[0]+" failed", map[string]interface{}{
		"args":      strings.Join(args, " "),
		"exit_code": exitCode,
		"stderr":    stderr,
	})
}

func isTransient(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Clone implements vcs.Backend. It initializes an empty repository,
// configures origin with the mirror refspec and fetches, which is how
// `git clone --mirror` works but also supports working-copy clones.
func (b *Backend) Clone(ctx context.Context, url, path string, opts vcs.CloneOptions) error {
	initArgs := []string{"init", "--quiet"}
	if opts.Bare {
		initArgs = append(initArgs, "--bare")
	}
	if _, err := b.run(ctx, "", append(initArgs, path)...); err != nil {
		return err
	}

	if _, err := b.run(ctx, path, "remote", "add", vcs.RemoteName, url); err != nil {
		return err
	}
	if _, err := b.run(ctx, path, "config", "--replace-all", "remote."+vcs.RemoteName+".fetch", vcs.MirrorRefSpec); err != nil {
		return err
	}

	if err := b.Fetch(ctx, path); err != nil {
		return err
	}

	b.setHead(ctx, path)
	return nil
}

// setHead points HEAD at the remote's default branch. Failure leaves
// git's default in place.
func (b *Backend) setHead(ctx context.Context, path string) {
	res, err := b.run(ctx, path, "ls-remote", "--symref", vcs.RemoteName, "HEAD")
	if err != nil {
		clog.FromContext(ctx).Debug("could not read remote HEAD", "error", err)
		return
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		// Format: ref: refs/heads/main	HEAD
		target, ok := strings.CutPrefix(line, "ref: ")
		if !ok {
			continue
		}
		ref, _, _ := strings.Cut(target, "\t")
		if _, err := b.run(ctx, path, "symbolic-ref", "HEAD", strings.TrimSpace(ref)); err != nil {
			clog.FromContext(ctx).Debug("could not set HEAD", "ref", ref, "error", err)
		}
		return
	}
}

// Fetch implements vcs.Backend. The ref updates are applied in one
// transaction (--atomic, git 2.31+), so a failed fetch moves no refs.
func (b *Backend) Fetch(ctx context.Context, path string) error {
	_, err := b.run(ctx, path, "fetch", "--quiet", "--atomic", "--prune", "--force", "--update-head-ok",
		vcs.RemoteName, vcs.MirrorRefSpec)
	return err
}

// ResolveRevision implements vcs.Backend. Annotated tags are peeled to the
// commit they point at.
func (b *Backend) ResolveRevision(ctx context.Context, path, revision string) (string, error) {
	if strings.HasPrefix(revision, "-") {
		return "", cacheerr.Newf(cacheerr.CodeRevisionNotFound, "invalid revision %q", revision)
	}

	res, err := b.run(ctx, path, "rev-parse", "--verify", "--quiet", revision+"^{commit}")
	if err != nil {
		if errors.GetCode(err) == errors.CodeExecutionFailed && exitCode(err) == 1 {
			return "", cacheerr.Wrapf(err, cacheerr.CodeRevisionNotFound, "revision %q not found", revision)
		}
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func exitCode(err error) int {
	var execErr *exec.ExecError
	if stderrors.As(err, &execErr) {
		return execErr.ExitCode
	}
	return -1
}

// Refs implements vcs.Backend.
func (b *Backend) Refs(ctx context.Context, path string) (map[string]string, error) {
	res, err := b.run(ctx, path, "for-each-ref", "--format=%(refname) %(objectname) %(*objectname)",
		"refs/heads", "refs/tags")
	if err != nil {
		return nil, err
	}
	return parseRefs(res.Stdout), nil
}

// parseRefs parses for-each-ref output of "<ref> <object> [<peeled>]".
func parseRefs(out string) map[string]string {
	refs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch len(fields) {
		case 2:
			refs[fields[0]] = fields[1]
		case 3:
			refs[fields[0]] = fields[2]
		}
	}
	return refs
}

// Verify implements vcs.Backend. The repository is addressed through an
// explicit git dir, so a missing clone is never confused with a repository
// enclosing the cache root.
func (b *Backend) Verify(ctx context.Context, path string, bare bool) error {
	gitDir := path
	if !bare {
		gitDir = filepath.Join(path, ".git")
	}

	corrupt := func(cause error, reason string) error {
		if cause == nil {
			cause = stderrors.New(reason)
		}
		return cacheerr.WrapWithContext(cause, cacheerr.CodeCacheCorruption, reason, map[string]interface{}{
			"path": path,
			"bare": bare,
		})
	}

	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return corrupt(err, "repository metadata missing")
	}
	res, err := b.run(ctx, "", "--git-dir="+gitDir, "rev-parse", "--is-bare-repository")
	if err != nil {
		return corrupt(err, "repository metadata unreadable")
	}
	if got := strings.TrimSpace(res.Stdout) == "true"; got != bare {
		return corrupt(nil, "repository bareness does not match")
	}

	if _, err := b.run(ctx, "", "--git-dir="+gitDir, "config", "--get", "remote."+vcs.RemoteName+".url"); err != nil {
		return corrupt(err, "repository has no origin remote")
	}
	return nil
}
