package vcstest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Fixture is a real git repository on disk, built with go-git, that tests
// use as an upstream remote.
type Fixture struct {
	// Path is the repository's working directory, usable as a clone URL.
	Path string

	t    testing.TB
	repo *git.Repository
	n    int
}

var signature = object.Signature{
	Name:  "Test User",
	Email: "test@example.com",
}

// NewFixture creates a repository with one commit on master.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	return NewFixtureAt(t, filepath.Join(t.TempDir(), "upstream"))
}

// NewFixtureAt is NewFixture with the repository created at path.
func NewFixtureAt(t testing.TB, path string) *Fixture {
	t.Helper()

	repo, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("failed to init fixture repo: %v", err)
	}

	f := &Fixture{Path: path, t: t, repo: repo}
	f.Commit("debian/changelog", "pkg (1.0-1) unstable; urgency=medium\n")
	return f
}

// Commit writes content to file and commits it on the current branch,
// returning the new commit id.
func (f *Fixture) Commit(file, content string) string {
	f.t.Helper()

	full := filepath.Join(f.Path, file)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		f.t.Fatalf("failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		f.t.Fatalf("failed to write fixture file: %v", err)
	}

	wt, err := f.repo.Worktree()
	if err != nil {
		f.t.Fatalf("failed to get worktree: %v", err)
	}
	if _, err := wt.Add(file); err != nil {
		f.t.Fatalf("failed to add file: %v", err)
	}

	f.n++
	sig := signature
	sig.When = time.Date(2024, 1, 1, 0, 0, f.n, 0, time.UTC)
	hash, err := wt.Commit("commit "+file, &git.CommitOptions{Author: &sig})
	if err != nil {
		f.t.Fatalf("failed to commit: %v", err)
	}
	return hash.String()
}

// Head returns the commit HEAD points at.
func (f *Fixture) Head() string {
	f.t.Helper()
	ref, err := f.repo.Head()
	if err != nil {
		f.t.Fatalf("failed to read HEAD: %v", err)
	}
	return ref.Hash().String()
}

// Branch creates or moves branch name to the current HEAD commit.
func (f *Fixture) Branch(name string) {
	f.t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(f.Head()))
	if err := f.repo.Storer.SetReference(ref); err != nil {
		f.t.Fatalf("failed to create branch %s: %v", name, err)
	}
}

// DeleteBranch removes branch name.
func (f *Fixture) DeleteBranch(name string) {
	f.t.Helper()
	if err := f.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		f.t.Fatalf("failed to delete branch %s: %v", name, err)
	}
}

// Tag tags the current HEAD commit. Annotated tags get a tag object.
func (f *Fixture) Tag(name string, annotated bool) {
	f.t.Helper()

	var opts *git.CreateTagOptions
	if annotated {
		sig := signature
		sig.When = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		opts = &git.CreateTagOptions{Tagger: &sig, Message: "release " + name}
	}
	if _, err := f.repo.CreateTag(name, plumbing.NewHash(f.Head()), opts); err != nil {
		f.t.Fatalf("failed to create tag %s: %v", name, err)
	}
}
