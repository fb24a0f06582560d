package vcs

import (
	"context"
	"fmt"
)

// GCResult reports what a garbage collection removed.
type GCResult struct {
	Snapshots int
	Blobs     int
}

// GC deletes snapshots unreachable from every branch and the pending merge, then blobs
// no remaining snapshot or merge resolution references. Deletion order keeps the store
// consistent if GC is interrupted: a snapshot is always removed before its blobs.
func (s *Service) GC(ctx context.Context) (*GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branches, err := s.db.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	var heads []string
	for _, b := range branches {
		heads = append(heads, b.SnapshotID)
	}

	liveBlobs := make(map[string]bool)
	state, err := s.db.LoadMergeState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	}
	if state != nil {
		heads = append(heads, state.OursID, state.TheirsID, state.BaseID)
		for _, ref := range state.Tree {
			liveBlobs[ref.BlobHash] = true
		}
		for _, ref := range state.Resolutions {
			if ref != nil {
				liveBlobs[ref.BlobHash] = true
			}
		}
	}

	reachable, err := s.graph.Reachable(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("marking reachable snapshots: %w", err)
	}
	for _, snap := range reachable {
		for _, ref := range snap.Tree {
			liveBlobs[ref.BlobHash] = true
		}
	}

	allSnaps, err := s.db.ListSnapshotIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var deadSnaps []string
	for _, id := range allSnaps {
		if _, ok := reachable[id]; !ok {
			deadSnaps = append(deadSnaps, id)
		}
	}
	if err := s.graph.Delete(ctx, deadSnaps); err != nil {
		return nil, err
	}

	allBlobs, err := s.blobs.List(ctx)
	if err != nil {
		return nil, err
	}
	var deadBlobs []string
	for _, h := range allBlobs {
		if !liveBlobs[h] {
			deadBlobs = append(deadBlobs, h)
		}
	}
	if err := s.blobs.Delete(ctx, deadBlobs); err != nil {
		return nil, err
	}

	s.logger.Info("garbage collected", "snapshots", len(deadSnaps), "blobs", len(deadBlobs))
	return &GCResult{Snapshots: len(deadSnaps), Blobs: len(deadBlobs)}, nil
}
