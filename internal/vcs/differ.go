package vcs

import (
	"context"
	"fmt"
	"sort"
)

// Status classifies a resource in the working tree relative to the head tree.
type Status string

const (
	StatusAdded     Status = "added"
	StatusModified  Status = "modified"
	StatusDeleted   Status = "deleted"
	StatusUnchanged Status = "unchanged"
)

// StatusCandidate is a detected difference between the working tree and head. It is
// computed on demand and never persisted.
type StatusCandidate struct {
	ResourceID    string
	Type          string
	Name          string
	Status        Status
	LocalBlobHash string
	HeadBlobHash  string
}

// ComputeStatus diffs working against head and returns one candidate per resource id
// present in either tree, ordered by id.
func ComputeStatus(working, head Tree) []StatusCandidate {
	ids := make(map[string]struct{}, len(working)+len(head))
	for id := range working {
		ids[id] = struct{}{}
	}
	for id := range head {
		ids[id] = struct{}{}
	}

	out := make([]StatusCandidate, 0, len(ids))
	for id := range ids {
		w, inWorking := working[id]
		h, inHead := head[id]

		c := StatusCandidate{ResourceID: id, LocalBlobHash: w.BlobHash, HeadBlobHash: h.BlobHash}
		switch {
		case inWorking && !inHead:
			c.Status, c.Type = StatusAdded, w.Type
		case !inWorking && inHead:
			c.Status, c.Type = StatusDeleted, h.Type
		case w.BlobHash != h.BlobHash:
			c.Status, c.Type = StatusModified, w.Type
		default:
			c.Status, c.Type = StatusUnchanged, w.Type
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Changed filters candidates down to those that differ from head.
func Changed(candidates []StatusCandidate) []StatusCandidate {
	var out []StatusCandidate
	for _, c := range candidates {
		if c.Status != StatusUnchanged {
			out = append(out, c)
		}
	}
	return out
}

// ApplyStaged applies staged entries onto head and returns the tree to commit. Added and
// Modified entries write their content through put before replacing the head entry;
// Deleted entries remove it. Resources that were not staged keep their head value.
func ApplyStaged(ctx context.Context, head Tree, staged []*StagedEntry, put func(context.Context, []byte) (string, error)) (Tree, error) {
	tree := head.Clone()
	for _, e := range staged {
		switch e.Status {
		case StatusAdded, StatusModified:
			hash, err := put(ctx, e.Content)
			if err != nil {
				return nil, fmt.Errorf("writing content for %s: %w", e.ResourceID, err)
			}
			if hash != e.BlobHash {
				return nil, fmt.Errorf("%w: staged %s hashes to %s, expected %s", ErrIntegrity, e.ResourceID, ShortHash(hash), ShortHash(e.BlobHash))
			}
			tree[e.ResourceID] = ResourceRef{ID: e.ResourceID, Type: e.Type, BlobHash: hash}
		case StatusDeleted:
			delete(tree, e.ResourceID)
		default:
			return nil, fmt.Errorf("cannot apply staged entry %s with status %q", e.ResourceID, e.Status)
		}
	}
	return tree, nil
}
