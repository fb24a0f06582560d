package vcs

import "context"

// Remote is a content-addressed store reachable over some transport. Implementations
// wrap transport failures in TransportError so the sync coordinator can retry them.
type Remote interface {
	// Name identifies the remote in config and logs.
	Name() string

	HasBlob(ctx context.Context, hash string) (bool, error)
	PutBlob(ctx context.Context, hash string, content []byte) error
	// GetBlob returns ErrNotFound if the blob is absent.
	GetBlob(ctx context.Context, hash string) ([]byte, error)

	HasSnapshot(ctx context.Context, id string) (bool, error)
	PutSnapshot(ctx context.Context, snap *Snapshot) error
	// GetSnapshot returns ErrNotFound if the snapshot is absent.
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// GetBranch returns the snapshot id of the remote branch, or "" if it does not exist.
	GetBranch(ctx context.Context, name string) (string, error)
	// SetBranch overwrites the pointer unconditionally. Callers re-read it with
	// GetBranch right before writing; two replicas pushing the same branch at the
	// same instant can still lose one update.
	SetBranch(ctx context.Context, name, snapshotID string) error
	ListBranches(ctx context.Context) ([]Branch, error)

	// ValidateSetup checks that the remote is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
