// Package vcs defines the version-control collaborator used by the
// repository cache.
//
// A Backend clones, fetches and inspects repositories on local disk. Two
// implementations ship with the module: gitcli runs the git executable as a
// subprocess, and gogit works in-process with go-git. vcstest provides a
// fake for exercising cache control logic without a network.
//
// Error conventions shared by every backend:
//
//   - transport failures that may succeed on retry carry errors.CodeNetwork
//     (retryable)
//   - other remote failures (authentication, missing repository) carry
//     errors.CodeExecutionFailed (permanent)
//   - an unresolvable revision carries cacheerr.CodeRevisionNotFound
//   - an unreadable local clone carries cacheerr.CodeCacheCorruption
package vcs

import "context"

// MirrorRefSpec maps every remote ref onto the same local ref, so each
// remote branch and tag resolves by its short name in the clone.
const MirrorRefSpec = "+refs/*:refs/*"

// RemoteName is the remote the cache configures in every clone.
const RemoteName = "origin"

// CloneOptions configures a clone.
type CloneOptions struct {
	// Bare creates a clone without a working tree.
	Bare bool
}

// Backend performs version-control operations on local clones.
type Backend interface {
	// Clone creates a new clone of url at path. path must not exist or be
	// empty. On failure path may hold a partial clone; callers clone into
	// staging so the partial tree is simply discarded.
	Clone(ctx context.Context, url, path string, opts CloneOptions) error

	// Fetch updates every ref of the clone at path from its origin remote,
	// pruning refs deleted upstream. A failed fetch leaves the clone's refs
	// as they were.
	Fetch(ctx context.Context, path string) error

	// ResolveRevision returns the commit id a branch, tag or commit
	// identifier resolves to.
	ResolveRevision(ctx context.Context, path, revision string) (string, error)

	// Refs returns the clone's branches and tags mapped to the commit ids
	// they point at.
	Refs(ctx context.Context, path string) (map[string]string, error)

	// Verify checks that path holds a readable clone with the expected
	// bareness.
	Verify(ctx context.Context, path string, bare bool) error
}
