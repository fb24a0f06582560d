package vcs

import (
	"context"
	"time"
)

// BlobStorage persists content-addressed blobs.
type BlobStorage interface {
	// InsertBlob stores content under hash. It reports whether a new row was written;
	// an existing hash is left untouched.
	InsertBlob(ctx context.Context, hash string, content []byte) (bool, error)

	// LoadBlob returns the stored content. Returns ErrNotFound if absent.
	LoadBlob(ctx context.Context, hash string) ([]byte, error)

	HasBlob(ctx context.Context, hash string) (bool, error)

	// ListBlobHashes returns every stored hash in sorted order.
	ListBlobHashes(ctx context.Context) ([]string, error)

	DeleteBlobs(ctx context.Context, hashes []string) error
}

// SnapshotStorage persists immutable snapshots.
type SnapshotStorage interface {
	// InsertSnapshot stores the snapshot. Inserting an id that already exists is a no-op.
	InsertSnapshot(ctx context.Context, snap *Snapshot) error

	// LoadSnapshot returns ErrNotFound if absent.
	LoadSnapshot(ctx context.Context, id string) (*Snapshot, error)

	HasSnapshot(ctx context.Context, id string) (bool, error)
	ListSnapshotIDs(ctx context.Context) ([]string, error)
	DeleteSnapshots(ctx context.Context, ids []string) error
}

// BranchStorage persists branch pointers and the active branch.
type BranchStorage interface {
	// GetBranch returns the snapshot id the branch points at, or ErrNotFound.
	GetBranch(ctx context.Context, name string) (string, error)

	// ListBranches returns every branch ordered by name. Active is not set.
	ListBranches(ctx context.Context) ([]Branch, error)

	// MoveBranch points name at to, provided it currently points at from. An empty from
	// creates the branch and fails with ErrAlreadyExists if it is taken. A pointer that
	// no longer matches from fails with ErrStalePointer.
	MoveBranch(ctx context.Context, name, from, to string) error

	// RenameBranch renames a branch, following the active branch if it is the one renamed.
	RenameBranch(ctx context.Context, oldName, newName string) error

	DeleteBranch(ctx context.Context, name string) error

	// ActiveBranch returns the checked-out branch name, or "" when never set.
	ActiveBranch(ctx context.Context) (string, error)
	SetActiveBranch(ctx context.Context, name string) error
}

// MergeStorage persists an in-progress merge between invocations.
type MergeStorage interface {
	// LoadMergeState returns nil, nil when no merge is in progress.
	LoadMergeState(ctx context.Context) (*MergeState, error)
	SaveMergeState(ctx context.Context, state *MergeState) error

	// ResolveMergeConflict records the chosen result for a conflicted resource. A nil ref
	// resolves the conflict by deleting the resource.
	ResolveMergeConflict(ctx context.Context, resourceID string, ref *ResourceRef) error

	ClearMergeState(ctx context.Context) error
}

// Database is the complete persistence layer for one workspace.
type Database interface {
	BlobStorage
	SnapshotStorage
	BranchStorage
	MergeStorage

	// Close closes the database connection.
	Close() error
}

// Branch is a named mutable pointer into the snapshot graph.
type Branch struct {
	Name       string
	SnapshotID string
	Active     bool
}

// MergeState is a merge halted on conflicts, waiting for resolutions.
type MergeState struct {
	Branch    string // branch being merged in
	OursID    string
	TheirsID  string
	BaseID    string
	Tree      Tree // merged tree, conflicted resources excluded
	Conflicts []MergeConflict
	// Resolutions maps a conflicted resource id to its chosen reference; a nil value
	// deletes the resource. Unresolved conflicts have no entry.
	Resolutions map[string]*ResourceRef
	StartedAt   time.Time
}

// Unresolved returns the conflicts that have no resolution yet, ordered by resource id.
func (m *MergeState) Unresolved() []MergeConflict {
	var out []MergeConflict
	for _, c := range m.Conflicts {
		if _, ok := m.Resolutions[c.ResourceID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// ResolvedTree applies the resolutions to the merged tree. Callers must check
// Unresolved first.
func (m *MergeState) ResolvedTree() Tree {
	tree := m.Tree.Clone()
	for id, ref := range m.Resolutions {
		if ref == nil {
			delete(tree, id)
			continue
		}
		tree[id] = *ref
	}
	return tree
}
