package staging

import "wsync/internal/vcs"

// stagingStore abstracts the storage mechanics for a staging area.
// Implementations handle content storage and index persistence.
// Concurrency is managed by the caller (stagingArea.mu), so stores
// do not need to be safe for concurrent use.
type stagingStore interface {
	// StoreContent stores content under its SHA-256 checksum. Deduplicates if the
	// checksum already exists; created reports whether new content was written.
	StoreContent(content []byte) (checksum string, created bool, err error)

	// RemoveContent removes stored content by checksum (best-effort).
	RemoveContent(checksum string)

	// LoadContent returns stored content by checksum.
	LoadContent(checksum string) ([]byte, error)

	// ContentSize returns total bytes of all stored content.
	ContentSize() (int64, error)

	// LoadIndex returns the staged entries keyed by resource id, without content.
	LoadIndex() (map[string]*vcs.StagedEntry, error)

	// SaveIndex replaces the persisted index.
	SaveIndex(index map[string]*vcs.StagedEntry) error
}
