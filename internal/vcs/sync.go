package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"wsync/internal/retry"
)

// SyncResult summarizes one push or pull.
type SyncResult struct {
	Snapshots int
	Blobs     int
	Bytes     int64
	// Head is the snapshot the branch points at after the transfer.
	Head string
	// RemoteHead is the remote branch head seen by the transfer.
	RemoteHead string
	// FastForward is set when a pull advanced an existing local branch.
	FastForward bool
	// Diverged is set when the local and remote branches each have snapshots the other
	// lacks. Nothing is moved; the caller has to merge.
	Diverged bool
}

// Syncer exchanges blobs and snapshots with a remote. Transfers never touch local
// branch pointers; callers move them after the transfer completes.
type Syncer struct {
	graph       *Graph
	blobs       *BlobStore
	policy      retry.Policy
	concurrency int
	logger      Logger
}

// NewSyncer creates a Syncer. Transient transport errors are retried according to
// policy; concurrency bounds parallel blob transfers.
func NewSyncer(graph *Graph, blobs *BlobStore, policy retry.Policy, concurrency int, logger Logger) *Syncer {
	if logger == nil {
		logger = NewNopLogger()
	}
	if concurrency < 1 {
		concurrency = 4
	}
	policy.Retryable = IsTransient
	return &Syncer{graph: graph, blobs: blobs, policy: policy, concurrency: concurrency, logger: logger}
}

// Push uploads every snapshot reachable from localHead that the remote lacks, blobs
// first, then moves the remote branch to localHead. It fails with ErrRemoteAhead when the
// remote branch points at a snapshot that is not an ancestor of localHead.
func (s *Syncer) Push(ctx context.Context, remote Remote, branch, localHead string) (*SyncResult, error) {
	result := &SyncResult{Head: localHead, RemoteHead: localHead}

	remoteHead, err := retry.DoValue(ctx, s.policy, func(ctx context.Context, _ int) (string, error) {
		return remote.GetBranch(ctx, branch)
	})
	if err != nil {
		return nil, fmt.Errorf("reading remote branch %s: %w", branch, err)
	}
	if remoteHead == localHead {
		s.logger.Info("remote already up to date", "remote", remote.Name(), "branch", branch)
		return result, nil
	}
	if remoteHead != "" {
		known, err := s.graph.Has(ctx, remoteHead)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, fmt.Errorf("%w: %s/%s is at unknown snapshot %s", ErrRemoteAhead, remote.Name(), branch, ShortHash(remoteHead))
		}
		ok, err := s.graph.IsAncestor(ctx, remoteHead, localHead)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s at %s is not an ancestor of %s", ErrRemoteAhead, remote.Name(), branch, ShortHash(remoteHead), ShortHash(localHead))
		}
	}

	missing, err := s.missingOnRemote(ctx, remote, localHead)
	if err != nil {
		return nil, err
	}

	if err := s.uploadBlobs(ctx, remote, missing, result); err != nil {
		return nil, err
	}

	for _, snap := range topoSort(missing) {
		data, err := EncodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
			return remote.PutSnapshot(ctx, snap)
		}); err != nil {
			return nil, fmt.Errorf("uploading snapshot %s: %w", snap.ShortID(), err)
		}
		result.Snapshots++
		result.Bytes += int64(len(data))
	}

	// Remotes have no compare-and-set, so re-read the pointer to catch a push that
	// landed while ours was uploading. A push racing this final window can still win.
	current, err := retry.DoValue(ctx, s.policy, func(ctx context.Context, _ int) (string, error) {
		return remote.GetBranch(ctx, branch)
	})
	if err != nil {
		return nil, fmt.Errorf("reading remote branch %s: %w", branch, err)
	}
	if current != remoteHead {
		return nil, fmt.Errorf("%w: %s/%s moved to %s during push", ErrRemoteAhead, remote.Name(), branch, ShortHash(current))
	}

	if err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		return remote.SetBranch(ctx, branch, localHead)
	}); err != nil {
		return nil, fmt.Errorf("moving remote branch %s: %w", branch, err)
	}

	s.logger.Info("pushed", "remote", remote.Name(), "branch", branch, "snapshots", result.Snapshots, "blobs", result.Blobs, "bytes", result.Bytes)
	return result, nil
}

// missingOnRemote walks back from head and stops at every snapshot the remote already has.
func (s *Syncer) missingOnRemote(ctx context.Context, remote Remote, head string) (map[string]*Snapshot, error) {
	missing := make(map[string]*Snapshot)
	seen := map[string]bool{head: true}
	queue := []string{head}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		has, err := retry.DoValue(ctx, s.policy, func(ctx context.Context, _ int) (bool, error) {
			return remote.HasSnapshot(ctx, id)
		})
		if err != nil {
			return nil, fmt.Errorf("checking remote snapshot %s: %w", ShortHash(id), err)
		}
		if has {
			continue
		}

		snap, err := s.graph.GetSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		missing[id] = snap
		for _, pid := range snap.ParentIDs {
			if !seen[pid] {
				seen[pid] = true
				queue = append(queue, pid)
			}
		}
	}
	return missing, nil
}

func (s *Syncer) uploadBlobs(ctx context.Context, remote Remote, snaps map[string]*Snapshot, result *SyncResult) error {
	hashes := treeBlobs(snaps)

	var blobs, size atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, hash := range hashes {
		g.Go(func() error {
			has, err := retry.DoValue(gctx, s.policy, func(ctx context.Context, _ int) (bool, error) {
				return remote.HasBlob(ctx, hash)
			})
			if err != nil {
				return fmt.Errorf("checking remote blob %s: %w", ShortHash(hash), err)
			}
			if has {
				return nil
			}

			content, err := s.blobs.Get(gctx, hash)
			if err != nil {
				return err
			}
			if err := retry.Do(gctx, s.policy, func(ctx context.Context, _ int) error {
				return remote.PutBlob(ctx, hash, content)
			}); err != nil {
				return fmt.Errorf("uploading blob %s: %w", ShortHash(hash), err)
			}
			blobs.Add(1)
			size.Add(int64(len(content)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	result.Blobs += int(blobs.Load())
	result.Bytes += size.Load()
	return nil
}

// Fetch downloads every snapshot reachable from the remote branch that is missing
// locally. All blobs are downloaded and verified before any snapshot is inserted, so
// an interrupted fetch never links a partial snapshot into history. Result.Head is the
// remote head. Returns ErrNotFound if the remote has no such branch.
func (s *Syncer) Fetch(ctx context.Context, remote Remote, branch string) (*SyncResult, error) {
	remoteHead, err := retry.DoValue(ctx, s.policy, func(ctx context.Context, _ int) (string, error) {
		return remote.GetBranch(ctx, branch)
	})
	if err != nil {
		return nil, fmt.Errorf("reading remote branch %s: %w", branch, err)
	}
	if remoteHead == "" {
		return nil, fmt.Errorf("remote branch %s/%s: %w", remote.Name(), branch, ErrNotFound)
	}
	result := &SyncResult{Head: remoteHead, RemoteHead: remoteHead}

	missing := make(map[string]*Snapshot)
	seen := map[string]bool{remoteHead: true}
	queue := []string{remoteHead}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		has, err := s.graph.Has(ctx, id)
		if err != nil {
			return nil, err
		}
		if has {
			continue
		}

		snap, err := retry.DoValue(ctx, s.policy, func(ctx context.Context, _ int) (*Snapshot, error) {
			return remote.GetSnapshot(ctx, id)
		})
		if err != nil {
			return nil, fmt.Errorf("downloading snapshot %s: %w", ShortHash(id), err)
		}
		if snap.ID != id {
			return nil, fmt.Errorf("%w: remote returned snapshot %s for %s", ErrIntegrity, ShortHash(snap.ID), ShortHash(id))
		}
		if err := snap.Verify(); err != nil {
			return nil, err
		}
		missing[id] = snap
		for _, pid := range snap.ParentIDs {
			if !seen[pid] {
				seen[pid] = true
				queue = append(queue, pid)
			}
		}
	}

	if err := s.downloadBlobs(ctx, remote, missing, result); err != nil {
		return nil, err
	}

	for _, snap := range topoSort(missing) {
		data, err := EncodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if err := s.graph.Insert(ctx, snap); err != nil {
			return nil, fmt.Errorf("linking snapshot %s: %w", snap.ShortID(), err)
		}
		result.Snapshots++
		result.Bytes += int64(len(data))
	}

	s.logger.Info("fetched", "remote", remote.Name(), "branch", branch, "snapshots", result.Snapshots, "blobs", result.Blobs, "bytes", result.Bytes)
	return result, nil
}

func (s *Syncer) downloadBlobs(ctx context.Context, remote Remote, snaps map[string]*Snapshot, result *SyncResult) error {
	hashes := treeBlobs(snaps)

	var blobs, size atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, hash := range hashes {
		g.Go(func() error {
			has, err := s.blobs.Has(gctx, hash)
			if err != nil {
				return err
			}
			if has {
				return nil
			}

			content, err := retry.DoValue(gctx, s.policy, func(ctx context.Context, _ int) ([]byte, error) {
				return remote.GetBlob(ctx, hash)
			})
			if err != nil {
				return fmt.Errorf("downloading blob %s: %w", ShortHash(hash), err)
			}
			if err := s.blobs.PutVerified(gctx, hash, content); err != nil {
				return err
			}
			blobs.Add(1)
			size.Add(int64(len(content)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	result.Blobs += int(blobs.Load())
	result.Bytes += size.Load()
	return nil
}

// treeBlobs returns the distinct blob hashes referenced by snaps, sorted.
func treeBlobs(snaps map[string]*Snapshot) []string {
	set := make(map[string]struct{})
	for _, snap := range snaps {
		for _, ref := range snap.Tree {
			set[ref.BlobHash] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// topoSort orders snaps so every snapshot comes after those of its parents that are
// also in snaps. Ties are broken by id.
func topoSort(snaps map[string]*Snapshot) []*Snapshot {
	ids := make([]string, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Snapshot, 0, len(snaps))
	done := make(map[string]bool, len(snaps))
	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		snap := snaps[id]
		for _, pid := range snap.ParentIDs {
			if _, ok := snaps[pid]; ok {
				visit(pid)
			}
		}
		out = append(out, snap)
	}
	for _, id := range ids {
		visit(id)
	}
	return out
}

// remoteLocks serializes syncs per remote within one process.
type remoteLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (r *remoteLocks) get(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}
