package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// VerifyReport lists what Verify checked and every problem it found.
type VerifyReport struct {
	Snapshots int
	Blobs     int
	Problems  []string
}

// OK reports whether no problems were found.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify walks every snapshot reachable from a branch straight from storage, bypassing
// caches. It checks that each snapshot id recomputes, each parent resolves and each
// referenced blob exists and hashes to its key.
func (s *Service) Verify(ctx context.Context) (*VerifyReport, error) {
	branches, err := s.db.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	report := &VerifyReport{}
	problem := func(format string, args ...any) {
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	seen := make(map[string]bool)
	var queue []string
	for _, b := range branches {
		if !seen[b.SnapshotID] {
			seen[b.SnapshotID] = true
			queue = append(queue, b.SnapshotID)
		}
	}

	blobs := make(map[string]string) // hash -> first resource id referencing it
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]

		snap, err := s.db.LoadSnapshot(ctx, id)
		if errors.Is(err, ErrNotFound) {
			problem("snapshot %s is referenced but missing", id)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("loading snapshot %s: %w", ShortHash(id), err)
		}
		report.Snapshots++

		if err := snap.Verify(); err != nil {
			problem("snapshot %s: %v", id, err)
		}
		for _, pid := range snap.ParentIDs {
			if !seen[pid] {
				seen[pid] = true
				queue = append(queue, pid)
			}
		}
		for rid, ref := range snap.Tree {
			if _, ok := blobs[ref.BlobHash]; !ok {
				blobs[ref.BlobHash] = rid
			}
		}
	}

	hashes := make([]string, 0, len(blobs))
	for h := range blobs {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	for _, h := range hashes {
		content, err := s.db.LoadBlob(ctx, h)
		if errors.Is(err, ErrNotFound) {
			problem("blob %s for %s is missing", h, blobs[h])
			continue
		} else if err != nil {
			return nil, fmt.Errorf("loading blob %s: %w", ShortHash(h), err)
		}
		report.Blobs++
		if got := HashBytes(content); got != h {
			problem("blob %s hashes to %s", h, got)
		}
	}

	if report.OK() {
		s.logger.Info("verified store", "snapshots", report.Snapshots, "blobs", report.Blobs)
	} else {
		s.logger.Error("store verification failed", "problems", len(report.Problems))
	}
	return report, nil
}
