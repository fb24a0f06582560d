package gitvcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"wsync/internal/vcs"
)

// mergeStateFile holds a merge halted on conflicts, next to the repository's own
// state files.
const mergeStateFile = "WSYNC_MERGE"

func (g *GitVCS) mergeStatePath() string {
	return filepath.Join(g.dir, mergeStateFile)
}

func (g *GitVCS) loadMergeState() (*vcs.MergeState, error) {
	data, err := os.ReadFile(g.mergeStatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	}
	var state vcs.MergeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding merge state: %w", err)
	}
	if state.Resolutions == nil {
		state.Resolutions = map[string]*vcs.ResourceRef{}
	}
	return &state, nil
}

func (g *GitVCS) saveMergeState(state *vcs.MergeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding merge state: %w", err)
	}
	tmp := g.mergeStatePath() + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing merge state: %w", err)
	}
	if err := os.Rename(tmp, g.mergeStatePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing merge state: %w", err)
	}
	return nil
}

func (g *GitVCS) clearMergeState() error {
	if err := os.Remove(g.mergeStatePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing merge state: %w", err)
	}
	return nil
}

func (g *GitVCS) pendingMerge() (*vcs.MergeState, error) {
	state, err := g.loadMergeState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, vcs.ErrNoMergeInProgress
	}
	return state, nil
}

// commonAncestor returns the merge base of a and b chosen by git. Among several bases
// the smallest id wins.
func (g *GitVCS) commonAncestor(a, b string) (string, error) {
	ca, err := g.commitObject(a)
	if err != nil {
		return "", err
	}
	cb, err := g.commitObject(b)
	if err != nil {
		return "", err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", fmt.Errorf("finding merge base: %w", err)
	}
	if len(bases) == 0 {
		return "", fmt.Errorf("%w: %s and %s", vcs.ErrUnrelatedHistories, vcs.ShortHash(a), vcs.ShortHash(b))
	}
	best := bases[0].Hash.String()
	for _, c := range bases[1:] {
		if id := c.Hash.String(); id < best {
			best = id
		}
	}
	return best, nil
}

// Merge merges branch into the active branch.
func (g *GitVCS) Merge(ctx context.Context, branch string) (*vcs.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	theirs, err := g.head(branch)
	if err != nil {
		return nil, err
	}
	if theirs == "" {
		return nil, fmt.Errorf("branch %s has no snapshots: %w", branch, vcs.ErrNotFound)
	}
	return g.mergeLocked(branch, theirs)
}

func (g *GitVCS) mergeLocked(label, theirs string) (*vcs.MergeResult, error) {
	if state, err := g.loadMergeState(); err != nil {
		return nil, err
	} else if state != nil {
		return nil, fmt.Errorf("%w: %s", vcs.ErrMergeInProgress, state.Branch)
	}

	active, err := g.active()
	if err != nil {
		return nil, err
	}
	ours, err := g.head(active)
	if err != nil {
		return nil, err
	}
	theirSnap, err := g.snapshot(theirs)
	if err != nil {
		return nil, err
	}

	if ours == "" {
		if err := g.moveBranch(active, "", theirs); err != nil {
			return nil, err
		}
		return &vcs.MergeResult{Kind: vcs.MergeFastForward, Snapshot: theirSnap}, nil
	}
	if ours == theirs {
		return &vcs.MergeResult{Kind: vcs.MergeNoOp}, nil
	}

	base, err := g.commonAncestor(ours, theirs)
	if err != nil {
		return nil, err
	}
	switch base {
	case theirs:
		return &vcs.MergeResult{Kind: vcs.MergeNoOp}, nil
	case ours:
		if err := g.moveBranch(active, ours, theirs); err != nil {
			return nil, err
		}
		g.logger.Info("merge fast-forwarded", "branch", active, "to", vcs.ShortHash(theirs))
		return &vcs.MergeResult{Kind: vcs.MergeFastForward, Snapshot: theirSnap}, nil
	}

	ourSnap, err := g.snapshot(ours)
	if err != nil {
		return nil, err
	}
	baseSnap, err := g.snapshot(base)
	if err != nil {
		return nil, err
	}

	merged, conflicts := vcs.MergeTrees(baseSnap.Tree, ourSnap.Tree, theirSnap.Tree)
	if len(conflicts) > 0 {
		state := &vcs.MergeState{
			Branch:      label,
			OursID:      ours,
			TheirsID:    theirs,
			BaseID:      base,
			Tree:        merged,
			Conflicts:   conflicts,
			Resolutions: map[string]*vcs.ResourceRef{},
			StartedAt:   g.clock.Now().UTC(),
		}
		if err := g.saveMergeState(state); err != nil {
			return nil, err
		}
		g.logger.Info("merge halted on conflicts", "branch", active, "theirs", label, "conflicts", len(conflicts))
		return &vcs.MergeResult{Kind: vcs.MergeConflicted, Conflicts: conflicts}, nil
	}

	snap, err := g.commitMerge(active, ours, theirs, merged, fmt.Sprintf("Merge %s into %s", label, active))
	if err != nil {
		return nil, err
	}
	return &vcs.MergeResult{Kind: vcs.MergeMerged, Snapshot: snap}, nil
}

func (g *GitVCS) commitMerge(active, ours, theirs string, tree vcs.Tree, message string) (*vcs.Snapshot, error) {
	id, err := g.commit(tree, []string{ours, theirs}, message)
	if err != nil {
		return nil, err
	}
	if err := g.moveBranch(active, ours, id); err != nil {
		return nil, err
	}
	g.logger.Info("merged", "branch", active, "id", vcs.ShortHash(id))
	return g.snapshot(id)
}

// ResolveConflict records how one conflicted resource is resolved.
func (g *GitVCS) ResolveConflict(ctx context.Context, resourceID string, r vcs.Resolution) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.pendingMerge()
	if err != nil {
		return err
	}
	found := false
	for _, c := range state.Conflicts {
		found = found || c.ResourceID == resourceID
	}
	if !found {
		return fmt.Errorf("no conflict for %s: %w", resourceID, vcs.ErrNotFound)
	}

	var ref *vcs.ResourceRef
	switch r.Choice {
	case vcs.ResolveOurs, vcs.ResolveTheirs:
		side := state.OursID
		if r.Choice == vcs.ResolveTheirs {
			side = state.TheirsID
		}
		snap, err := g.snapshot(side)
		if err != nil {
			return err
		}
		if sref, ok := snap.Tree[resourceID]; ok {
			ref = &sref
		}
	case vcs.ResolveContent:
		if r.Resource == nil || r.Resource.ID != resourceID {
			return fmt.Errorf("content resolution for %s carries no matching resource", resourceID)
		}
		data, err := vcs.EncodeResource(r.Resource)
		if err != nil {
			return err
		}
		hash, err := g.writeBlob(data)
		if err != nil {
			return err
		}
		ref = &vcs.ResourceRef{ID: resourceID, Type: r.Resource.Type, BlobHash: hash}
	default:
		return fmt.Errorf("unknown resolution %q", r.Choice)
	}

	state.Resolutions[resourceID] = ref
	return g.saveMergeState(state)
}

// CompleteMerge commits the resolved tree with both parents.
func (g *GitVCS) CompleteMerge(ctx context.Context, message string) (*vcs.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.pendingMerge()
	if err != nil {
		return nil, err
	}
	if open := state.Unresolved(); len(open) > 0 {
		return nil, fmt.Errorf("%w: %d unresolved", vcs.ErrPendingConflict, len(open))
	}
	active, err := g.active()
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = fmt.Sprintf("Merge %s into %s", state.Branch, active)
	}
	snap, err := g.commitMerge(active, state.OursID, state.TheirsID, state.ResolvedTree(), message)
	if err != nil {
		return nil, err
	}
	if err := g.clearMergeState(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (g *GitVCS) AbortMerge(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.pendingMerge(); err != nil {
		return err
	}
	return g.clearMergeState()
}

func (g *GitVCS) PendingConflicts(ctx context.Context) ([]vcs.MergeConflict, error) {
	state, err := g.loadMergeState()
	if err != nil || state == nil {
		return nil, err
	}
	return state.Unresolved(), nil
}

// MergeState returns the merge in progress, or nil.
func (g *GitVCS) MergeState(ctx context.Context) (*vcs.MergeState, error) {
	return g.loadMergeState()
}
