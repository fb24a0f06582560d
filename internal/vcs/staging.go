package vcs

// StagedEntry is a change selected for the next snapshot. Content holds the serialized
// resource for Added and Modified entries and is empty for deletions.
type StagedEntry struct {
	ResourceID   string `json:"resource_id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Status       Status `json:"status"`
	BlobHash     string `json:"blob_hash,omitempty"`
	HeadBlobHash string `json:"head_blob_hash,omitempty"`
	Content      []byte `json:"-"`
}

// StagingArea holds staged entries between invocations. Staging an id that is already
// staged replaces the previous entry. The area enforces a maximum total content size.
type StagingArea interface {
	// Stage adds or replaces the entry for e.ResourceID.
	// Returns ErrStagingFull if the content would exceed the configured maximum.
	Stage(e *StagedEntry) error

	// Unstage removes the entry for id. Unstaging an id that is not staged is a no-op.
	Unstage(id string) error

	// Get returns the staged entry for id, or nil if not staged.
	Get(id string) (*StagedEntry, error)

	// List returns all staged entries ordered by resource id, content included.
	List() ([]*StagedEntry, error)

	// Clear removes every staged entry.
	Clear() error

	// Count returns the number of staged entries.
	Count() (int, error)

	// Size returns the total size of staged content in bytes.
	Size() (int64, error)
}
