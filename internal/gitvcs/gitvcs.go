// Package gitvcs implements vcs.Backend on top of a git repository using go-git.
// Snapshots are commits, branches are refs/heads and remotes are ordinary git remotes,
// so the history can be inspected and shared with standard git tooling.
package gitvcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"wsync/internal/retry"
	"wsync/internal/vcs"
)

// RemoteSpec names a git remote and how to reach it.
type RemoteSpec struct {
	Name string
	URL  string
	Auth transport.AuthMethod
}

// Options tunes a GitVCS. The zero value is usable.
type Options struct {
	Author  string
	Clock   vcs.Clock
	Logger  vcs.Logger
	Remotes []RemoteSpec
	Retry   retry.Policy
	// Cache holds converted snapshots keyed by commit id.
	Cache vcs.SnapshotCache
}

// GitVCS is a vcs.Backend backed by a bare git repository.
type GitVCS struct {
	mu sync.Mutex

	dir     string
	repo    *git.Repository
	staging vcs.StagingArea
	remotes map[string]RemoteSpec
	author  string
	clock   vcs.Clock
	logger  vcs.Logger
	policy  retry.Policy
	cache   vcs.SnapshotCache

	workingMu sync.Mutex
	working   map[string]workingEntry
}

type workingEntry struct {
	candidate vcs.StatusCandidate
	content   []byte
}

var _ vcs.Backend = (*GitVCS)(nil)

// Open opens the bare repository at dir, creating it if needed. HEAD of a new repository
// points at vcs.DefaultBranch.
func Open(dir string, staging vcs.StagingArea, opts Options) (*GitVCS, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, true)
		if err != nil {
			return nil, fmt.Errorf("initializing repository: %w", err)
		}
		head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(vcs.DefaultBranch))
		if err := repo.Storer.SetReference(head); err != nil {
			return nil, fmt.Errorf("setting HEAD: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = vcs.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = vcs.RealClock{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	opts.Retry.Retryable = vcs.IsTransient

	g := &GitVCS{
		dir:     dir,
		repo:    repo,
		staging: staging,
		remotes: make(map[string]RemoteSpec, len(opts.Remotes)),
		author:  opts.Author,
		clock:   opts.Clock,
		logger:  opts.Logger,
		policy:  opts.Retry,
		cache:   opts.Cache,
	}
	for _, r := range opts.Remotes {
		if err := g.ensureRemote(r); err != nil {
			return nil, err
		}
		g.remotes[r.Name] = r
	}
	return g, nil
}

// ensureRemote adds r to the repository config or updates its URL.
func (g *GitVCS) ensureRemote(r RemoteSpec) error {
	existing, err := g.repo.Remote(r.Name)
	if err == nil {
		urls := existing.Config().URLs
		if len(urls) == 1 && urls[0] == r.URL {
			return nil
		}
		if err := g.repo.DeleteRemote(r.Name); err != nil {
			return fmt.Errorf("replacing remote %s: %w", r.Name, err)
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("reading remote %s: %w", r.Name, err)
	}
	if _, err := g.repo.CreateRemote(&config.RemoteConfig{Name: r.Name, URLs: []string{r.URL}}); err != nil {
		return fmt.Errorf("adding remote %s: %w", r.Name, err)
	}
	return nil
}

// Dir returns the repository directory.
func (g *GitVCS) Dir() string { return g.dir }

func (g *GitVCS) active() (string, error) {
	ref, err := g.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference || !ref.Target().IsBranch() {
		return "", fmt.Errorf("HEAD is detached")
	}
	return ref.Target().Short(), nil
}

// head returns the commit id name points at. The active branch without commits returns
// "". Any other missing branch is ErrNotFound.
func (g *GitVCS) head(name string) (string, error) {
	ref, err := g.repo.Storer.Reference(plumbing.NewBranchReferenceName(name))
	if err == nil {
		return ref.Hash().String(), nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("reading branch %s: %w", name, err)
	}
	active, aerr := g.active()
	if aerr != nil {
		return "", aerr
	}
	if name == active {
		return "", nil
	}
	return "", fmt.Errorf("branch %s: %w", name, vcs.ErrNotFound)
}

// moveBranch points name at to, provided it still points at from. An empty from
// creates the branch.
func (g *GitVCS) moveBranch(name, from, to string) error {
	refName := plumbing.NewBranchReferenceName(name)
	next := plumbing.NewHashReference(refName, plumbing.NewHash(to))
	if from == "" {
		if err := vcs.ValidateBranchName(name); err != nil {
			return err
		}
		if _, err := g.repo.Storer.Reference(refName); err == nil {
			return fmt.Errorf("branch %s: %w", name, vcs.ErrAlreadyExists)
		}
		return g.repo.Storer.SetReference(next)
	}
	old := plumbing.NewHashReference(refName, plumbing.NewHash(from))
	if err := g.repo.Storer.CheckAndSetReference(next, old); err != nil {
		return fmt.Errorf("branch %s no longer at %s: %w", name, vcs.ShortHash(from), vcs.ErrStalePointer)
	}
	return nil
}

func (g *GitVCS) headTree() (string, string, vcs.Tree, error) {
	active, err := g.active()
	if err != nil {
		return "", "", nil, err
	}
	head, err := g.head(active)
	if err != nil {
		return "", "", nil, err
	}
	if head == "" {
		return active, "", vcs.Tree{}, nil
	}
	snap, err := g.snapshot(head)
	if err != nil {
		return "", "", nil, err
	}
	return active, head, snap.Tree, nil
}

// Status diffs resources against the active branch head and remembers them for Stage.
func (g *GitVCS) Status(ctx context.Context, resources []vcs.Resource) ([]vcs.StatusCandidate, error) {
	working, contents, err := buildTree(resources)
	if err != nil {
		return nil, err
	}
	_, _, head, err := g.headTree()
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(resources))
	for _, r := range resources {
		names[r.ID] = r.Name
	}

	candidates := vcs.ComputeStatus(working, head)
	entries := make(map[string]workingEntry, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if name, ok := names[c.ResourceID]; ok {
			c.Name = name
		} else if r, err := g.readResource(c.HeadBlobHash); err == nil {
			c.Name = r.Name
		}
		entries[c.ResourceID] = workingEntry{candidate: *c, content: contents[c.LocalBlobHash]}
	}

	g.workingMu.Lock()
	g.working = entries
	g.workingMu.Unlock()
	return candidates, nil
}

// Stage moves resources from the last Status result into the staging area. The staged
// BlobHash is the staging checksum of the content; the git blob id is computed again
// when the snapshot is taken.
func (g *GitVCS) Stage(ctx context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.workingMu.Lock()
	working := g.working
	g.workingMu.Unlock()
	if working == nil {
		return fmt.Errorf("no working state: compute status before staging")
	}

	for _, id := range ids {
		w, ok := working[id]
		if !ok {
			return fmt.Errorf("resource %s: %w", id, vcs.ErrNotFound)
		}
		c := w.candidate
		if c.Status == vcs.StatusUnchanged {
			if err := g.staging.Unstage(id); err != nil {
				return fmt.Errorf("unstaging %s: %w", id, err)
			}
			continue
		}
		entry := &vcs.StagedEntry{
			ResourceID:   c.ResourceID,
			Type:         c.Type,
			Name:         c.Name,
			Status:       c.Status,
			HeadBlobHash: c.HeadBlobHash,
		}
		if c.Status != vcs.StatusDeleted {
			entry.BlobHash = vcs.HashBytes(w.content)
			entry.Content = w.content
		}
		if err := g.staging.Stage(entry); err != nil {
			return fmt.Errorf("staging %s: %w", id, err)
		}
	}
	return nil
}

func (g *GitVCS) Unstage(ctx context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if err := g.staging.Unstage(id); err != nil {
			return fmt.Errorf("unstaging %s: %w", id, err)
		}
	}
	return nil
}

// TakeSnapshot commits the staged entries on top of the active branch.
func (g *GitVCS) TakeSnapshot(ctx context.Context, message string) (*vcs.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if state, err := g.loadMergeState(); err != nil {
		return nil, err
	} else if state != nil {
		return nil, fmt.Errorf("%w: complete or abort the merge of %s first", vcs.ErrMergeInProgress, state.Branch)
	}

	staged, err := g.staging.List()
	if err != nil {
		return nil, fmt.Errorf("listing staged entries: %w", err)
	}
	if len(staged) == 0 {
		return nil, vcs.ErrNothingStaged
	}

	active, head, tree, err := g.headTree()
	if err != nil {
		return nil, err
	}
	tree = tree.Clone()
	for _, e := range staged {
		switch e.Status {
		case vcs.StatusAdded, vcs.StatusModified:
			hash, err := g.writeBlob(e.Content)
			if err != nil {
				return nil, fmt.Errorf("writing content for %s: %w", e.ResourceID, err)
			}
			tree[e.ResourceID] = vcs.ResourceRef{ID: e.ResourceID, Type: e.Type, BlobHash: hash}
		case vcs.StatusDeleted:
			delete(tree, e.ResourceID)
		default:
			return nil, fmt.Errorf("cannot apply staged entry %s with status %q", e.ResourceID, e.Status)
		}
	}

	var parents []string
	if head != "" {
		parents = []string{head}
	}
	id, err := g.commit(tree, parents, message)
	if err != nil {
		return nil, err
	}
	if err := g.moveBranch(active, head, id); err != nil {
		return nil, err
	}
	if err := g.staging.Clear(); err != nil {
		return nil, fmt.Errorf("clearing staging area: %w", err)
	}
	g.resetWorking()

	g.logger.Info("committed", "branch", active, "id", vcs.ShortHash(id), "changes", len(staged))
	return g.snapshot(id)
}

// ListBranches returns the branches ordered by name, including the active branch before
// its first commit.
func (g *GitVCS) ListBranches(ctx context.Context) ([]vcs.Branch, error) {
	active, err := g.active()
	if err != nil {
		return nil, err
	}
	refs, err := g.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	var out []vcs.Branch
	found := false
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		out = append(out, vcs.Branch{Name: name, SnapshotID: ref.Hash().String(), Active: name == active})
		found = found || name == active
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		out = append(out, vcs.Branch{Name: active, Active: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *GitVCS) CreateBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	active, err := g.active()
	if err != nil {
		return err
	}
	head, err := g.head(active)
	if err != nil {
		return err
	}
	if head == "" {
		return fmt.Errorf("branch %s has no snapshots yet: %w", active, vcs.ErrNotFound)
	}
	if err := g.moveBranch(name, "", head); err != nil {
		return err
	}
	g.logger.Info("created branch", "branch", name, "snapshot", vcs.ShortHash(head))
	return nil
}

// Checkout points HEAD at name and returns its tree. Staged entries are discarded.
func (g *GitVCS) Checkout(ctx context.Context, name string) (vcs.Tree, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if state, err := g.loadMergeState(); err != nil {
		return nil, err
	} else if state != nil {
		return nil, vcs.ErrMergeInProgress
	}

	head, err := g.head(name)
	if err != nil {
		return nil, err
	}
	tree := vcs.Tree{}
	if head != "" {
		snap, err := g.snapshot(head)
		if err != nil {
			return nil, err
		}
		tree = snap.Tree.Clone()
	}
	sym := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(name))
	if err := g.repo.Storer.SetReference(sym); err != nil {
		return nil, fmt.Errorf("setting HEAD: %w", err)
	}
	if err := g.staging.Clear(); err != nil {
		return nil, fmt.Errorf("clearing staging area: %w", err)
	}
	g.resetWorking()
	g.logger.Info("checked out branch", "branch", name, "snapshot", vcs.ShortHash(head))
	return tree, nil
}

func (g *GitVCS) DeleteBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	active, err := g.active()
	if err != nil {
		return err
	}
	if name == active {
		return fmt.Errorf("%w: %s", vcs.ErrCannotDeleteActive, name)
	}
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := g.repo.Storer.Reference(refName); err != nil {
		return fmt.Errorf("branch %s: %w", name, vcs.ErrNotFound)
	}
	if err := g.repo.Storer.RemoveReference(refName); err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	g.logger.Info("deleted branch", "branch", name)
	return nil
}

// RenameBranch renames a branch, moving HEAD along if it was active.
func (g *GitVCS) RenameBranch(ctx context.Context, oldName, newName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := vcs.ValidateBranchName(newName); err != nil {
		return err
	}
	active, err := g.active()
	if err != nil {
		return err
	}
	head, err := g.head(oldName)
	if err != nil {
		return err
	}
	if head != "" {
		if err := g.moveBranch(newName, "", head); err != nil {
			return err
		}
		if err := g.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(oldName)); err != nil {
			return fmt.Errorf("removing branch %s: %w", oldName, err)
		}
	}
	if oldName == active {
		sym := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(newName))
		if err := g.repo.Storer.SetReference(sym); err != nil {
			return fmt.Errorf("setting HEAD: %w", err)
		}
	}
	g.logger.Info("renamed branch", "from", oldName, "to", newName)
	return nil
}

// History yields the commits reachable from branch, newest first by commit time.
func (g *GitVCS) History(ctx context.Context, branch string) iter.Seq2[*vcs.Snapshot, error] {
	return func(yield func(*vcs.Snapshot, error) bool) {
		head, err := g.head(branch)
		if err != nil {
			yield(nil, err)
			return
		}
		if head == "" {
			return
		}
		commits, err := g.repo.Log(&git.LogOptions{From: plumbing.NewHash(head), Order: git.LogOrderCommitterTime})
		if err != nil {
			yield(nil, fmt.Errorf("walking history of %s: %w", branch, err))
			return
		}
		defer commits.Close()
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			c, err := commits.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			snap, err := g.snapshot(c.Hash.String())
			if !yield(snap, err) || err != nil {
				return
			}
		}
	}
}

// GetSnapshot returns the snapshot for a commit id.
func (g *GitVCS) GetSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	return g.snapshot(id)
}

// Materialize loads every resource of tree, ordered by id.
func (g *GitVCS) Materialize(ctx context.Context, tree vcs.Tree) ([]vcs.Resource, error) {
	out := make([]vcs.Resource, 0, len(tree))
	for _, id := range tree.IDs() {
		r, err := g.readResource(tree[id].BlobHash)
		if err != nil {
			return nil, fmt.Errorf("materializing %s: %w", id, err)
		}
		out = append(out, *r)
	}
	return out, nil
}

// HeadTree returns the tree of the active branch head.
func (g *GitVCS) HeadTree(ctx context.Context) (vcs.Tree, error) {
	_, _, tree, err := g.headTree()
	return tree, err
}

// Staged returns the staged entries ordered by resource id.
func (g *GitVCS) Staged(ctx context.Context) ([]*vcs.StagedEntry, error) {
	return g.staging.List()
}

// RemoteNames returns the configured remotes in sorted order.
func (g *GitVCS) RemoteNames() []string {
	names := make([]string, 0, len(g.remotes))
	for n := range g.remotes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (g *GitVCS) resetWorking() {
	g.workingMu.Lock()
	g.working = nil
	g.workingMu.Unlock()
}
