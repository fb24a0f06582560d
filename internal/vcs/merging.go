package vcs

import (
	"context"
	"fmt"
)

// Merge merges branch into the active branch. Divergent histories are merged three-way
// against their common ancestor; when conflicts remain the merge is saved as pending
// and must be finished with ResolveConflict and CompleteMerge, or abandoned with
// AbortMerge.
func (s *Service) Merge(ctx context.Context, branch string) (*MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	theirs, err := s.branches.Head(ctx, branch)
	if err != nil {
		return nil, err
	}
	if theirs == "" {
		return nil, fmt.Errorf("branch %s has no snapshots: %w", branch, ErrNotFound)
	}
	return s.mergeLocked(ctx, branch, theirs)
}

// mergeLocked merges the snapshot theirs, labelled label, into the active branch.
// s.mu must be held.
func (s *Service) mergeLocked(ctx context.Context, label, theirs string) (*MergeResult, error) {
	if state, err := s.db.LoadMergeState(ctx); err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	} else if state != nil {
		return nil, fmt.Errorf("%w: %s", ErrMergeInProgress, state.Branch)
	}

	active, err := s.branches.Active(ctx)
	if err != nil {
		return nil, err
	}
	ours, err := s.branches.Head(ctx, active)
	if err != nil {
		return nil, err
	}

	theirSnap, err := s.graph.GetSnapshot(ctx, theirs)
	if err != nil {
		return nil, err
	}

	if ours == theirs {
		return &MergeResult{Kind: MergeNoOp}, nil
	}
	if ours == "" {
		return s.fastForwardMerge(ctx, active, ours, theirSnap)
	}

	// Ancestry is settled before the base search: the nearest common ancestor by depth
	// sum need not be ours even when ours is reachable from theirs.
	behind, err := s.graph.IsAncestor(ctx, ours, theirs)
	if err != nil {
		return nil, err
	}
	if behind {
		return s.fastForwardMerge(ctx, active, ours, theirSnap)
	}
	ahead, err := s.graph.IsAncestor(ctx, theirs, ours)
	if err != nil {
		return nil, err
	}
	if ahead {
		return &MergeResult{Kind: MergeNoOp}, nil
	}

	base, err := s.graph.FindCommonAncestor(ctx, ours, theirs)
	if err != nil {
		return nil, err
	}

	ourSnap, err := s.graph.GetSnapshot(ctx, ours)
	if err != nil {
		return nil, err
	}
	baseSnap, err := s.graph.GetSnapshot(ctx, base)
	if err != nil {
		return nil, err
	}

	merged, conflicts := MergeTrees(baseSnap.Tree, ourSnap.Tree, theirSnap.Tree)
	if len(conflicts) > 0 {
		state := &MergeState{
			Branch:      label,
			OursID:      ours,
			TheirsID:    theirs,
			BaseID:      base,
			Tree:        merged,
			Conflicts:   conflicts,
			Resolutions: map[string]*ResourceRef{},
			StartedAt:   s.clock.Now().UTC(),
		}
		if err := s.db.SaveMergeState(ctx, state); err != nil {
			return nil, fmt.Errorf("saving merge state: %w", err)
		}
		s.logger.Info("merge halted on conflicts", "branch", active, "theirs", label, "conflicts", len(conflicts))
		return &MergeResult{Kind: MergeConflicted, Conflicts: conflicts}, nil
	}

	snap, err := s.commitMerge(ctx, active, ours, theirs, merged, mergeMessage(label, active))
	if err != nil {
		return nil, err
	}
	return &MergeResult{Kind: MergeMerged, Snapshot: snap}, nil
}

func (s *Service) fastForwardMerge(ctx context.Context, active, ours string, theirs *Snapshot) (*MergeResult, error) {
	if err := s.branches.FastForward(ctx, active, theirs.ID); err != nil {
		return nil, err
	}
	s.logger.Info("merge fast-forwarded", "branch", active, "from", ShortHash(ours), "to", theirs.ShortID())
	return &MergeResult{Kind: MergeFastForward, Snapshot: theirs}, nil
}

func (s *Service) commitMerge(ctx context.Context, active, ours, theirs string, tree Tree, message string) (*Snapshot, error) {
	snap, err := s.graph.CreateSnapshot(ctx, []string{ours, theirs}, tree, SnapshotMeta{
		Author:    s.author,
		Timestamp: s.clock.Now(),
		Message:   message,
	})
	if err != nil {
		return nil, fmt.Errorf("creating merge snapshot: %w", err)
	}
	if err := s.branches.Move(ctx, active, ours, snap.ID); err != nil {
		return nil, err
	}
	s.logger.Info("merged", "branch", active, "id", snap.ShortID())
	return snap, nil
}

func mergeMessage(theirs, ours string) string {
	return fmt.Sprintf("Merge %s into %s", theirs, ours)
}

// ResolveConflict records how one conflicted resource of the pending merge is resolved.
// Resolving the same resource again replaces the earlier choice.
func (s *Service) ResolveConflict(ctx context.Context, resourceID string, r Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.pendingMerge(ctx)
	if err != nil {
		return err
	}

	var conflict *MergeConflict
	for i := range state.Conflicts {
		if state.Conflicts[i].ResourceID == resourceID {
			conflict = &state.Conflicts[i]
		}
	}
	if conflict == nil {
		return fmt.Errorf("no conflict for %s: %w", resourceID, ErrNotFound)
	}

	var ref *ResourceRef
	switch r.Choice {
	case ResolveOurs:
		ref, err = s.sideRef(ctx, state.OursID, resourceID)
	case ResolveTheirs:
		ref, err = s.sideRef(ctx, state.TheirsID, resourceID)
	case ResolveContent:
		if r.Resource == nil {
			return fmt.Errorf("content resolution for %s has no resource", resourceID)
		}
		if r.Resource.ID != resourceID {
			return fmt.Errorf("content resolution for %s carries resource %s", resourceID, r.Resource.ID)
		}
		var data []byte
		data, err = EncodeResource(r.Resource)
		if err != nil {
			return err
		}
		var hash string
		hash, err = s.blobs.Put(ctx, data)
		ref = &ResourceRef{ID: resourceID, Type: r.Resource.Type, BlobHash: hash}
	default:
		return fmt.Errorf("unknown resolution %q", r.Choice)
	}
	if err != nil {
		return err
	}

	if err := s.db.ResolveMergeConflict(ctx, resourceID, ref); err != nil {
		return fmt.Errorf("recording resolution for %s: %w", resourceID, err)
	}
	s.logger.Info("resolved conflict", "id", resourceID, "choice", r.Choice, "kind", conflict.Kind)
	return nil
}

// sideRef returns the reference for id in the snapshot, or nil if it is absent there.
func (s *Service) sideRef(ctx context.Context, snapshotID, id string) (*ResourceRef, error) {
	snap, err := s.graph.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	ref, ok := snap.Tree[id]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

// CompleteMerge creates the two-parent merge snapshot from the resolved tree and
// advances the active branch. Fails with ErrPendingConflict while any conflict is open.
func (s *Service) CompleteMerge(ctx context.Context, message string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.pendingMerge(ctx)
	if err != nil {
		return nil, err
	}
	if open := state.Unresolved(); len(open) > 0 {
		return nil, fmt.Errorf("%w: %d unresolved", ErrPendingConflict, len(open))
	}

	active, err := s.branches.Active(ctx)
	if err != nil {
		return nil, err
	}
	head, err := s.branches.Head(ctx, active)
	if err != nil {
		return nil, err
	}
	if head != state.OursID {
		return nil, fmt.Errorf("%w: %s moved to %s during the merge", ErrStalePointer, active, ShortHash(head))
	}

	if message == "" {
		message = mergeMessage(state.Branch, active)
	}
	snap, err := s.commitMerge(ctx, active, state.OursID, state.TheirsID, state.ResolvedTree(), message)
	if err != nil {
		return nil, err
	}
	if err := s.db.ClearMergeState(ctx); err != nil {
		return nil, fmt.Errorf("clearing merge state: %w", err)
	}
	return snap, nil
}

// AbortMerge discards the pending merge. No pointer has moved, so nothing else changes.
func (s *Service) AbortMerge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.pendingMerge(ctx)
	if err != nil {
		return err
	}
	if err := s.db.ClearMergeState(ctx); err != nil {
		return fmt.Errorf("clearing merge state: %w", err)
	}
	s.logger.Info("aborted merge", "theirs", state.Branch)
	return nil
}

// PendingConflicts returns the unresolved conflicts of the merge in progress. It returns
// nil when no merge is in progress.
func (s *Service) PendingConflicts(ctx context.Context) ([]MergeConflict, error) {
	state, err := s.db.LoadMergeState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	}
	if state == nil {
		return nil, nil
	}
	return state.Unresolved(), nil
}

// MergeState returns the merge in progress, or nil.
func (s *Service) MergeState(ctx context.Context) (*MergeState, error) {
	return s.db.LoadMergeState(ctx)
}

func (s *Service) pendingMerge(ctx context.Context) (*MergeState, error) {
	state, err := s.db.LoadMergeState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	}
	if state == nil {
		return nil, ErrNoMergeInProgress
	}
	return state, nil
}
