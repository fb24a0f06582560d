package gitvcs

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"wsync/internal/retry"
	"wsync/internal/vcs"
)

// permanentErrors are transport failures that retrying cannot fix.
var permanentErrors = []error{
	transport.ErrRepositoryNotFound,
	transport.ErrAuthenticationRequired,
	transport.ErrAuthorizationFailed,
	transport.ErrInvalidAuthMethod,
	git.ErrRemoteNotFound,
}

// classify wraps err as a TransportError unless it is known to be permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return vcs.NewTransportError(op, err)
}

func (g *GitVCS) remote(name string) (RemoteSpec, error) {
	if name == "" && len(g.remotes) == 1 {
		for _, r := range g.remotes {
			return r, nil
		}
	}
	r, ok := g.remotes[name]
	if !ok {
		return RemoteSpec{}, fmt.Errorf("remote %q: %w", name, vcs.ErrNotFound)
	}
	return r, nil
}

// remoteHead lists the remote's refs and returns the commit id of branch, or "".
func (g *GitVCS) remoteHead(ctx context.Context, spec RemoteSpec, branch string) (string, error) {
	rem, err := g.repo.Remote(spec.Name)
	if err != nil {
		return "", fmt.Errorf("remote %s: %w", spec.Name, err)
	}
	return retry.DoValue(ctx, g.policy, func(ctx context.Context, _ int) (string, error) {
		refs, err := rem.ListContext(ctx, &git.ListOptions{Auth: spec.Auth})
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return "", nil
		} else if err != nil {
			return "", classify("listing "+spec.Name, err)
		}
		want := plumbing.NewBranchReferenceName(branch)
		for _, ref := range refs {
			if ref.Name() == want {
				return ref.Hash().String(), nil
			}
		}
		return "", nil
	})
}

// Push uploads the active branch. It refuses with ErrRemoteAhead when the remote
// branch is not an ancestor of the local head.
func (g *GitVCS) Push(ctx context.Context, remoteName string) (*vcs.SyncResult, error) {
	spec, err := g.remote(remoteName)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	active, err := g.active()
	if err != nil {
		return nil, err
	}
	local, err := g.head(active)
	if err != nil {
		return nil, err
	}
	if local == "" {
		return nil, fmt.Errorf("branch %s has no snapshots: %w", active, vcs.ErrNotFound)
	}

	remote, err := g.remoteHead(ctx, spec, active)
	if err != nil {
		return nil, err
	}
	result := &vcs.SyncResult{Head: local, RemoteHead: local}
	if remote == local {
		return result, nil
	}
	if remote != "" {
		ok, err := g.isAncestor(remote, local)
		if errors.Is(err, vcs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s is at unknown snapshot %s", vcs.ErrRemoteAhead, spec.Name, active, vcs.ShortHash(remote))
		} else if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s at %s is not an ancestor of %s", vcs.ErrRemoteAhead, spec.Name, active, vcs.ShortHash(remote), vcs.ShortHash(local))
		}
	}

	n, err := g.countNew(local, remote)
	if err != nil {
		return nil, err
	}

	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", active, active))
	err = retry.Do(ctx, g.policy, func(ctx context.Context, _ int) error {
		err := g.repo.PushContext(ctx, &git.PushOptions{
			RemoteName: spec.Name,
			RefSpecs:   []config.RefSpec{refspec},
			Auth:       spec.Auth,
		})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return classify("pushing to "+spec.Name, err)
	})
	if err != nil {
		return nil, err
	}
	result.Snapshots = n
	g.logger.Info("pushed", "remote", spec.Name, "branch", active, "snapshots", n)
	return result, nil
}

// fetch downloads the active branch into refs/remotes/<remote>/<branch> and returns
// the fetched head.
func (g *GitVCS) fetch(ctx context.Context, spec RemoteSpec, branch string) (string, error) {
	tracking := plumbing.NewRemoteReferenceName(spec.Name, branch)
	refspec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", branch, tracking))
	err := retry.Do(ctx, g.policy, func(ctx context.Context, _ int) error {
		err := g.repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: spec.Name,
			RefSpecs:   []config.RefSpec{refspec},
			Auth:       spec.Auth,
		})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if errors.Is(err, transport.ErrEmptyRemoteRepository) || errors.Is(err, git.NoMatchingRefSpecError{}) {
			return fmt.Errorf("remote branch %s/%s: %w", spec.Name, branch, vcs.ErrNotFound)
		}
		return classify("fetching from "+spec.Name, err)
	})
	if err != nil {
		return "", err
	}
	ref, err := g.repo.Storer.Reference(tracking)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("remote branch %s/%s: %w", spec.Name, branch, vcs.ErrNotFound)
	} else if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Pull fetches the active branch and fast-forwards when possible.
func (g *GitVCS) Pull(ctx context.Context, remoteName string) (*vcs.SyncResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pullLocked(ctx, remoteName)
}

func (g *GitVCS) pullLocked(ctx context.Context, remoteName string) (*vcs.SyncResult, error) {
	spec, err := g.remote(remoteName)
	if err != nil {
		return nil, err
	}
	if state, err := g.loadMergeState(); err != nil {
		return nil, err
	} else if state != nil {
		return nil, vcs.ErrMergeInProgress
	}

	active, err := g.active()
	if err != nil {
		return nil, err
	}
	local, err := g.head(active)
	if err != nil {
		return nil, err
	}
	remote, err := g.fetch(ctx, spec, active)
	if err != nil {
		return nil, err
	}

	result := &vcs.SyncResult{Head: local, RemoteHead: remote}
	if local == remote {
		return result, nil
	}
	if result.Snapshots, err = g.countNew(remote, local); err != nil {
		return nil, err
	}
	if local != "" {
		behind, err := g.isAncestor(local, remote)
		if err != nil {
			return nil, err
		}
		if !behind {
			ahead, err := g.isAncestor(remote, local)
			if err != nil {
				return nil, err
			}
			result.Diverged = !ahead
			return result, nil
		}
	}
	if err := g.moveBranch(active, local, remote); err != nil {
		return nil, err
	}
	result.Head = remote
	result.FastForward = true
	g.logger.Info("fast-forwarded after pull", "branch", active, "to", vcs.ShortHash(remote))
	return result, nil
}

// FetchAndMerge pulls and merges the remote head when the histories diverged.
func (g *GitVCS) FetchAndMerge(ctx context.Context, remoteName string) (*vcs.SyncResult, *vcs.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, err := g.pullLocked(ctx, remoteName)
	if err != nil {
		return nil, nil, err
	}
	if !result.Diverged {
		kind := vcs.MergeNoOp
		if result.FastForward {
			kind = vcs.MergeFastForward
		}
		return result, &vcs.MergeResult{Kind: kind}, nil
	}
	spec, _ := g.remote(remoteName)
	active, err := g.active()
	if err != nil {
		return nil, nil, err
	}
	mr, err := g.mergeLocked(spec.Name+"/"+active, result.RemoteHead)
	if err != nil {
		return nil, nil, err
	}
	return result, mr, nil
}

// RemoteBranches lists the branches of the named remote.
func (g *GitVCS) RemoteBranches(ctx context.Context, remoteName string) ([]vcs.Branch, error) {
	spec, err := g.remote(remoteName)
	if err != nil {
		return nil, err
	}
	rem, err := g.repo.Remote(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", spec.Name, err)
	}
	refs, err := retry.DoValue(ctx, g.policy, func(ctx context.Context, _ int) ([]*plumbing.Reference, error) {
		refs, err := rem.ListContext(ctx, &git.ListOptions{Auth: spec.Auth})
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil
		}
		return refs, classify("listing "+spec.Name, err)
	})
	if err != nil {
		return nil, err
	}
	var out []vcs.Branch
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			out = append(out, vcs.Branch{Name: ref.Name().Short(), SnapshotID: ref.Hash().String()})
		}
	}
	return out, nil
}

// isAncestor reports whether commit a is reachable from b.
func (g *GitVCS) isAncestor(a, b string) (bool, error) {
	ca, err := g.commitObject(a)
	if err != nil {
		return false, err
	}
	cb, err := g.commitObject(b)
	if err != nil {
		return false, err
	}
	if ca.Hash == cb.Hash {
		return true, nil
	}
	return ca.IsAncestor(cb)
}

// countNew counts the commits reachable from head but not from base. An empty base
// counts the whole history.
func (g *GitVCS) countNew(head, base string) (int, error) {
	known := map[plumbing.Hash]bool{}
	if base != "" {
		c, err := g.commitObject(base)
		if err != nil {
			return 0, err
		}
		err = object.NewCommitPreorderIter(c, nil, nil).ForEach(func(c *object.Commit) error {
			known[c.Hash] = true
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	c, err := g.commitObject(head)
	if err != nil {
		return 0, err
	}
	n := 0
	err = object.NewCommitPreorderIter(c, nil, nil).ForEach(func(c *object.Commit) error {
		if !known[c.Hash] {
			n++
		}
		return nil
	})
	return n, err
}
