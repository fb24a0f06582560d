package staging

import (
	"fmt"
	"sort"
	"sync"

	"wsync/internal/vcs"
)

// stagingArea implements vcs.StagingArea using a pluggable stagingStore
// for the storage mechanics. All shared algorithm logic lives here.
type stagingArea struct {
	store   stagingStore
	maxSize int64
	mu      sync.Mutex
}

var _ vcs.StagingArea = (*stagingArea)(nil)

// Stage adds or replaces the entry for e.ResourceID.
func (s *stagingArea) Stage(e *vcs.StagedEntry) error {
	if e == nil || e.ResourceID == "" {
		return fmt.Errorf("staged entry has no resource id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.store.LoadIndex()
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}

	entry := *e
	entry.Content = nil
	if e.Status != vcs.StatusDeleted {
		checksum, created, err := s.store.StoreContent(e.Content)
		if err != nil {
			return fmt.Errorf("storing content: %w", err)
		}
		if checksum != e.BlobHash {
			if created {
				s.store.RemoveContent(checksum)
			}
			return fmt.Errorf("%w: staged content for %s hashes to %s, entry says %s",
				vcs.ErrIntegrity, e.ResourceID, vcs.ShortHash(checksum), vcs.ShortHash(e.BlobHash))
		}

		contentSize, err := s.store.ContentSize()
		if err != nil {
			if created {
				s.store.RemoveContent(checksum)
			}
			return fmt.Errorf("getting current size: %w", err)
		}
		if contentSize > s.maxSize {
			if created {
				s.store.RemoveContent(checksum)
			}
			return fmt.Errorf("%w: would exceed max size of %d bytes", vcs.ErrStagingFull, s.maxSize)
		}
	}

	previous := index[e.ResourceID]
	index[e.ResourceID] = &entry
	if err := s.store.SaveIndex(index); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}

	if previous != nil && previous.BlobHash != entry.BlobHash {
		s.releaseContent(index, previous)
	}
	return nil
}

// Unstage removes the entry for id.
func (s *stagingArea) Unstage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.store.LoadIndex()
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	previous, ok := index[id]
	if !ok {
		return nil
	}
	delete(index, id)
	if err := s.store.SaveIndex(index); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	s.releaseContent(index, previous)
	return nil
}

// releaseContent removes the content of a dropped entry unless another entry still
// references the same checksum.
func (s *stagingArea) releaseContent(index map[string]*vcs.StagedEntry, dropped *vcs.StagedEntry) {
	if dropped.Status == vcs.StatusDeleted || dropped.BlobHash == "" {
		return
	}
	for _, e := range index {
		if e.Status != vcs.StatusDeleted && e.BlobHash == dropped.BlobHash {
			return
		}
	}
	s.store.RemoveContent(dropped.BlobHash)
}

// Get returns the staged entry for id with its content, or nil.
func (s *stagingArea) Get(id string) (*vcs.StagedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.store.LoadIndex()
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}
	e, ok := index[id]
	if !ok {
		return nil, nil
	}
	return s.withContent(e)
}

// List returns every staged entry ordered by resource id, content included.
func (s *stagingArea) List() ([]*vcs.StagedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.store.LoadIndex()
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*vcs.StagedEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.withContent(index[id])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *stagingArea) withContent(e *vcs.StagedEntry) (*vcs.StagedEntry, error) {
	out := *e
	if e.Status == vcs.StatusDeleted {
		return &out, nil
	}
	content, err := s.store.LoadContent(e.BlobHash)
	if err != nil {
		return nil, fmt.Errorf("content for %s not found: %w", e.ResourceID, err)
	}
	out.Content = content
	return &out, nil
}

// Clear removes every staged entry and its content.
func (s *stagingArea) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.store.LoadIndex()
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	if err := s.store.SaveIndex(map[string]*vcs.StagedEntry{}); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	for _, e := range index {
		if e.Status != vcs.StatusDeleted && e.BlobHash != "" {
			s.store.RemoveContent(e.BlobHash)
		}
	}
	return nil
}

// Count returns the number of staged entries.
func (s *stagingArea) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.store.LoadIndex()
	if err != nil {
		return 0, err
	}
	return len(index), nil
}

// Size returns the total size of staged content in bytes.
func (s *stagingArea) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ContentSize()
}
