package vcs

import (
	"context"
	"iter"
)

// Backend is the capability set shared by the local engine and the git-backed engine.
// Callers hold a Backend and never depend on which implementation is active.
type Backend interface {
	// Status diffs the caller's working resources against the active branch head.
	Status(ctx context.Context, resources []Resource) ([]StatusCandidate, error)

	// Stage selects resources from the most recent Status call for the next snapshot.
	Stage(ctx context.Context, ids []string) error
	Unstage(ctx context.Context, ids []string) error

	// TakeSnapshot commits the staged changes on top of the active branch head.
	TakeSnapshot(ctx context.Context, message string) (*Snapshot, error)

	ListBranches(ctx context.Context) ([]Branch, error)
	// CreateBranch creates a branch at the active branch head.
	CreateBranch(ctx context.Context, name string) error
	// Checkout activates a branch and returns the tree to materialize.
	Checkout(ctx context.Context, name string) (Tree, error)
	DeleteBranch(ctx context.Context, name string) error
	RenameBranch(ctx context.Context, oldName, newName string) error

	// Merge merges branch into the active branch.
	Merge(ctx context.Context, branch string) (*MergeResult, error)
	ResolveConflict(ctx context.Context, resourceID string, r Resolution) error
	CompleteMerge(ctx context.Context, message string) (*Snapshot, error)
	AbortMerge(ctx context.Context) error
	// PendingConflicts returns unresolved conflicts of the merge in progress, if any.
	PendingConflicts(ctx context.Context) ([]MergeConflict, error)

	// History yields the snapshots of a branch, newest first.
	History(ctx context.Context, branch string) iter.Seq2[*Snapshot, error]

	// Materialize loads the resources a tree refers to, ordered by id.
	Materialize(ctx context.Context, tree Tree) ([]Resource, error)

	// Push and Pull synchronize the active branch with a named remote.
	Push(ctx context.Context, remote string) (*SyncResult, error)
	Pull(ctx context.Context, remote string) (*SyncResult, error)
	// FetchAndMerge pulls and, if the histories diverged, merges the remote head.
	FetchAndMerge(ctx context.Context, remote string) (*SyncResult, *MergeResult, error)
}
