package vcs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
)

// SnapshotCache holds immutable snapshots by id.
type SnapshotCache interface {
	Get(id string) (*Snapshot, bool)
	Add(id string, snap *Snapshot)
	Remove(id string)
}

// Graph is the append-only snapshot DAG. Parent links are ids, never pointers.
type Graph struct {
	storage SnapshotStorage
	blobs   *BlobStore
	cache   SnapshotCache
	logger  Logger
}

// NewGraph creates a graph over storage. blobs is consulted to reject snapshots whose
// trees reference missing content. cache may be nil.
func NewGraph(storage SnapshotStorage, blobs *BlobStore, cache SnapshotCache, logger Logger) *Graph {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Graph{storage: storage, blobs: blobs, cache: cache, logger: logger}
}

// CreateSnapshot builds, validates and persists a new snapshot. Calling it twice with the
// same arguments returns the same id.
func (g *Graph) CreateSnapshot(ctx context.Context, parentIDs []string, tree Tree, meta SnapshotMeta) (*Snapshot, error) {
	snap := NewSnapshot(parentIDs, tree, meta)
	if err := g.insert(ctx, snap); err != nil {
		return nil, err
	}
	g.logger.Info("created snapshot", "id", snap.ShortID(), "parents", len(snap.ParentIDs), "resources", len(snap.Tree))
	return snap, nil
}

// Insert verifies and persists a snapshot that was built elsewhere, typically one
// downloaded from a remote. Once Insert returns the snapshot is visible in history.
func (g *Graph) Insert(ctx context.Context, snap *Snapshot) error {
	if err := snap.Verify(); err != nil {
		return err
	}
	return g.insert(ctx, snap)
}

func (g *Graph) insert(ctx context.Context, snap *Snapshot) error {
	if len(snap.ParentIDs) > 2 {
		return fmt.Errorf("%w: snapshot %s has %d parents", ErrInvalidParent, snap.ShortID(), len(snap.ParentIDs))
	}
	for _, pid := range snap.ParentIDs {
		ok, err := g.Has(ctx, pid)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidParent, pid)
		}
	}
	for _, id := range snap.Tree.IDs() {
		ref := snap.Tree[id]
		ok, err := g.blobs.Has(ctx, ref.BlobHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("snapshot references blob %s for %s: %w", ShortHash(ref.BlobHash), id, ErrNotFound)
		}
	}

	if err := g.storage.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("storing snapshot %s: %w", snap.ShortID(), err)
	}
	if g.cache != nil {
		g.cache.Add(snap.ID, snap)
	}
	return nil
}

// GetSnapshot returns the snapshot with the given id, or ErrNotFound.
func (g *Graph) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	if g.cache != nil {
		if snap, ok := g.cache.Get(id); ok {
			return snap, nil
		}
	}
	snap, err := g.storage.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", ShortHash(id), err)
	}
	if g.cache != nil {
		g.cache.Add(id, snap)
	}
	return snap, nil
}

// Has reports whether a snapshot is stored.
func (g *Graph) Has(ctx context.Context, id string) (bool, error) {
	if g.cache != nil {
		if _, ok := g.cache.Get(id); ok {
			return true, nil
		}
	}
	ok, err := g.storage.HasSnapshot(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking snapshot %s: %w", ShortHash(id), err)
	}
	return ok, nil
}

// Ancestors walks the graph breadth-first from id, yielding id itself first and then
// each ancestor exactly once in order of distance. Every call starts a fresh walk.
func (g *Graph) Ancestors(ctx context.Context, id string) iter.Seq2[*Snapshot, error] {
	return func(yield func(*Snapshot, error) bool) {
		seen := map[string]bool{id: true}
		queue := []string{id}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			cur := queue[0]
			queue = queue[1:]

			snap, err := g.GetSnapshot(ctx, cur)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(snap, nil) {
				return
			}
			for _, pid := range snap.ParentIDs {
				if !seen[pid] {
					seen[pid] = true
					queue = append(queue, pid)
				}
			}
		}
	}
}

// IsAncestor reports whether ancestor is reachable from descendant. A snapshot is its
// own ancestor.
func (g *Graph) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	for snap, err := range g.Ancestors(ctx, descendant) {
		if err != nil {
			return false, err
		}
		if snap.ID == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// frontier is one side of the bidirectional ancestor search.
type frontier struct {
	depth map[string]int
	level []string
}

func newFrontier(id string) *frontier {
	return &frontier{depth: map[string]int{id: 0}, level: []string{id}}
}

// advance replaces the current level with the parents not yet visited.
func (f *frontier) advance(ctx context.Context, g *Graph, d int) error {
	var next []string
	for _, id := range f.level {
		snap, err := g.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		for _, pid := range snap.ParentIDs {
			if _, ok := f.depth[pid]; !ok {
				f.depth[pid] = d
				next = append(next, pid)
			}
		}
	}
	f.level = next
	return nil
}

// FindCommonAncestor walks both ancestor sets in lockstep by increasing distance and
// returns the first snapshot reached from both sides. When several meet in the same
// round the one with the smallest depth sum wins, then the smallest id.
// Returns ErrUnrelatedHistories if the histories never intersect.
func (g *Graph) FindCommonAncestor(ctx context.Context, a, b string) (string, error) {
	if a == b {
		if _, err := g.GetSnapshot(ctx, a); err != nil {
			return "", err
		}
		return a, nil
	}

	fa, fb := newFrontier(a), newFrontier(b)
	for d := 1; len(fa.level) > 0 || len(fb.level) > 0; d++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if id, ok := meet(fa, fb); ok {
			return id, nil
		}
		if err := fa.advance(ctx, g, d); err != nil {
			return "", err
		}
		if err := fb.advance(ctx, g, d); err != nil {
			return "", err
		}
	}
	if id, ok := meet(fa, fb); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s and %s", ErrUnrelatedHistories, ShortHash(a), ShortHash(b))
}

// meet returns the best id present in both visited sets.
func meet(fa, fb *frontier) (string, bool) {
	var candidates []string
	for id := range fa.depth {
		if _, ok := fb.depth[id]; ok {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		si := fa.depth[candidates[i]] + fb.depth[candidates[i]]
		sj := fa.depth[candidates[j]] + fb.depth[candidates[j]]
		if si != sj {
			return si < sj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}

// Reachable returns the ids of every snapshot reachable from heads.
func (g *Graph) Reachable(ctx context.Context, heads []string) (map[string]*Snapshot, error) {
	out := make(map[string]*Snapshot)
	for _, head := range heads {
		if _, ok := out[head]; ok {
			continue
		}
		for snap, err := range g.Ancestors(ctx, head) {
			if err != nil {
				return nil, err
			}
			out[snap.ID] = snap
		}
	}
	return out, nil
}

// Delete removes snapshots from storage and the cache. Only garbage collection calls it.
func (g *Graph) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.storage.DeleteSnapshots(ctx, ids); err != nil {
		return fmt.Errorf("deleting snapshots: %w", err)
	}
	if g.cache != nil {
		for _, id := range ids {
			g.cache.Remove(id)
		}
	}
	return nil
}

// isNotFound is a small helper for callers that treat absence as a normal outcome.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
