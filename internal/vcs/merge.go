package vcs

import "sort"

// ConflictKind describes how the two sides of a merge disagree about a resource.
type ConflictKind string

const (
	// ConflictModifyModify: both sides changed the resource to different content.
	ConflictModifyModify ConflictKind = "modify-modify"
	// ConflictAddAdd: both sides added the id with different content.
	ConflictAddAdd ConflictKind = "add-add"
	// ConflictDeleteModify: ours deleted the resource, theirs modified it.
	ConflictDeleteModify ConflictKind = "delete-modify"
	// ConflictModifyDelete: ours modified the resource, theirs deleted it.
	ConflictModifyDelete ConflictKind = "modify-delete"
)

// MergeConflict is a resource changed incompatibly on both sides since the common
// ancestor. An empty hash means the resource is absent on that side.
type MergeConflict struct {
	ResourceID     string
	Type           string
	Kind           ConflictKind
	BaseBlobHash   string
	OursBlobHash   string
	TheirsBlobHash string
}

// MergeTrees performs a three-way merge of ours and theirs against base. Resources
// changed on one side take that side's value and identical changes are taken once.
// Every other overlap is a conflict; conflicted ids are left out of the returned tree
// and conflicts are ordered by id.
func MergeTrees(base, ours, theirs Tree) (Tree, []MergeConflict) {
	ids := make(map[string]struct{}, len(base)+len(ours)+len(theirs))
	for _, t := range []Tree{base, ours, theirs} {
		for id := range t {
			ids[id] = struct{}{}
		}
	}

	merged := make(Tree, len(ids))
	var conflicts []MergeConflict

	for id := range ids {
		b, inBase := base[id]
		o, inOurs := ours[id]
		t, inTheirs := theirs[id]

		oursChanged := inOurs != inBase || o.BlobHash != b.BlobHash
		theirsChanged := inTheirs != inBase || t.BlobHash != b.BlobHash

		switch {
		case !oursChanged && !theirsChanged:
			if inBase {
				merged[id] = b
			}
		case oursChanged && !theirsChanged:
			if inOurs {
				merged[id] = o
			}
		case !oursChanged && theirsChanged:
			if inTheirs {
				merged[id] = t
			}
		case inOurs == inTheirs && o.BlobHash == t.BlobHash:
			// both sides made the same change
			if inOurs {
				merged[id] = o
			}
		default:
			conflicts = append(conflicts, MergeConflict{
				ResourceID:     id,
				Type:           firstType(o, t, b),
				Kind:           conflictKind(inBase, inOurs, inTheirs),
				BaseBlobHash:   b.BlobHash,
				OursBlobHash:   o.BlobHash,
				TheirsBlobHash: t.BlobHash,
			})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ResourceID < conflicts[j].ResourceID })
	return merged, conflicts
}

func conflictKind(inBase, inOurs, inTheirs bool) ConflictKind {
	switch {
	case !inBase:
		return ConflictAddAdd
	case !inOurs:
		return ConflictDeleteModify
	case !inTheirs:
		return ConflictModifyDelete
	default:
		return ConflictModifyModify
	}
}

func firstType(refs ...ResourceRef) string {
	for _, r := range refs {
		if r.Type != "" {
			return r.Type
		}
	}
	return ""
}

// MergeKind is the outcome of starting a merge.
type MergeKind string

const (
	MergeNoOp        MergeKind = "no-op"
	MergeFastForward MergeKind = "fast-forward"
	MergeMerged      MergeKind = "merged"
	MergeConflicted  MergeKind = "conflicted"
)

// MergeResult reports the outcome of Merge. Snapshot is set for fast-forward and merged
// outcomes; Conflicts is set when the merge halted.
type MergeResult struct {
	Kind      MergeKind
	Snapshot  *Snapshot
	Conflicts []MergeConflict
}

// ResolutionChoice selects how a conflicted resource is resolved.
type ResolutionChoice string

const (
	ResolveOurs    ResolutionChoice = "ours"
	ResolveTheirs  ResolutionChoice = "theirs"
	ResolveContent ResolutionChoice = "content"
)

// Resolution resolves one conflict. Resource is required for ResolveContent.
type Resolution struct {
	Choice   ResolutionChoice
	Resource *Resource
}
