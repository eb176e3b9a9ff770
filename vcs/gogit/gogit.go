// Package gogit implements vcs.Backend in-process with go-git, for hosts
// without a git executable.
//
// Clones are created the way `git clone --mirror` creates them: an empty
// repository with an origin remote whose fetch refspec maps every remote
// ref onto the same local ref. HEAD is then pointed at the remote's default
// branch.
package gogit

import (
	"context"
	stderrors "errors"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/vcs"
)

// Backend runs git operations through go-git.
type Backend struct {
	auth transport.AuthMethod
}

var _ vcs.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithAuth sets the credentials used for clone and fetch. A nil method
// means anonymous access.
func WithAuth(auth transport.AuthMethod) Option {
	return func(b *Backend) {
		b.auth = auth
	}
}

// New creates a Backend.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Clone implements vcs.Backend.
func (b *Backend) Clone(ctx context.Context, url, path string, opts vcs.CloneOptions) error {
	repo, err := git.PlainInit(path, opts.Bare)
	if err != nil {
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to initialize repository", map[string]interface{}{
			"path": path,
		})
	}

	remote, err := repo.CreateRemote(&config.RemoteConfig{
		Name:  vcs.RemoteName,
		URLs:  []string{url},
		Fetch: []config.RefSpec{config.RefSpec(vcs.MirrorRefSpec)},
	})
	if err != nil {
		return classify(err, "failed to add remote", url)
	}

	if err := b.fetch(ctx, repo, url); err != nil {
		return err
	}

	b.setHead(ctx, repo, remote)
	return nil
}

// setHead points HEAD at the remote's default branch. Failure leaves the
// default from init in place.
func (b *Backend) setHead(ctx context.Context, repo *git.Repository, remote *git.Remote) {
	log := clog.FromContext(ctx)

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: b.auth})
	if err != nil {
		log.Debug("could not list remote references", "error", err)
		return
	}

	target := defaultBranch(refs)
	if target == "" {
		return
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, target)); err != nil {
		log.Debug("could not set HEAD", "ref", target, "error", err)
	}
}

// defaultBranch picks the branch the remote's HEAD refers to. Servers that
// do not advertise the symref only give HEAD's commit, in which case the
// first branch at that commit wins, master and main first.
func defaultBranch(refs []*plumbing.Reference) plumbing.ReferenceName {
	var head *plumbing.Reference
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			head = ref
			break
		}
	}
	if head == nil {
		return ""
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target()
	}

	var match plumbing.ReferenceName
	for _, ref := range refs {
		if !ref.Name().IsBranch() || ref.Hash() != head.Hash() {
			continue
		}
		switch ref.Name().Short() {
		case "master", "main":
			return ref.Name()
		}
		if match == "" {
			match = ref.Name()
		}
	}
	return match
}

// Fetch implements vcs.Backend.
func (b *Backend) Fetch(ctx context.Context, path string) error {
	repo, err := open(path)
	if err != nil {
		return err
	}

	url := ""
	if remote, err := repo.Remote(vcs.RemoteName); err == nil && len(remote.Config().URLs) > 0 {
		url = remote.Config().URLs[0]
	}
	return b.fetch(ctx, repo, url)
}

func (b *Backend) fetch(ctx context.Context, repo *git.Repository, url string) error {
	clog.FromContext(ctx).Debug("fetching with go-git", "url", url)

	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: vcs.RemoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(vcs.MirrorRefSpec)},
		Auth:       b.auth,
		Force:      true,
		Prune:      true,
	})
	if err != nil && !stderrors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify(err, "failed to fetch", url)
	}
	return nil
}

// ResolveRevision implements vcs.Backend. Annotated tags are peeled to the
// commit they point at.
func (b *Backend) ResolveRevision(_ context.Context, path, revision string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return "", cacheerr.Wrapf(err, cacheerr.CodeRevisionNotFound, "revision %q not found", revision)
	}
	return hash.String(), nil
}

// Refs implements vcs.Backend.
func (b *Backend) Refs(_ context.Context, path string) (map[string]string, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}

	iter, err := repo.References()
	if err != nil {
		return nil, corrupt(err, path, "failed to read references")
	}
	defer iter.Close()

	refs := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if !ref.Name().IsBranch() && !ref.Name().IsTag() {
			return nil
		}

		hash := ref.Hash()
		if tag, err := repo.TagObject(hash); err == nil {
			hash = tag.Target
		}
		refs[ref.Name().String()] = hash.String()
		return nil
	})
	if err != nil {
		return nil, corrupt(err, path, "failed to read references")
	}
	return refs, nil
}

// Verify implements vcs.Backend.
func (b *Backend) Verify(_ context.Context, path string, bare bool) error {
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		if err == nil {
			err = stderrors.New("not a directory")
		}
		return corrupt(err, path, "repository directory missing")
	}

	repo, err := open(path)
	if err != nil {
		return err
	}

	_, err = repo.Worktree()
	isBare := stderrors.Is(err, git.ErrIsBareRepository)
	if isBare != bare {
		return errors.WithContext(corrupt(stderrors.New("bareness mismatch"), path, "repository bareness does not match"), "bare", bare)
	}

	if _, err := repo.Remote(vcs.RemoteName); err != nil {
		return corrupt(err, path, "repository has no origin remote")
	}
	return nil
}

func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, corrupt(err, path, "repository metadata unreadable")
	}
	return repo, nil
}
