package vcs

import (
	"context"
	"fmt"
)

// Status diffs resources against the active branch head. The resources are remembered
// so that a following Stage can pick entries from them.
func (s *Service) Status(ctx context.Context, resources []Resource) ([]StatusCandidate, error) {
	working, contents, err := BuildTree(resources)
	if err != nil {
		return nil, err
	}
	_, _, head, err := s.headTree(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(resources))
	for _, r := range resources {
		names[r.ID] = r.Name
	}

	candidates := ComputeStatus(working, head)
	entries := make(map[string]workingEntry, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if name, ok := names[c.ResourceID]; ok {
			c.Name = name
		} else if r, err := s.blobs.GetResource(ctx, c.HeadBlobHash); err == nil {
			c.Name = r.Name
		} else {
			s.logger.Warn("could not load deleted resource name", "id", c.ResourceID, "error", err)
		}
		entries[c.ResourceID] = workingEntry{candidate: *c, content: contents[c.LocalBlobHash]}
	}

	s.workingMu.Lock()
	s.working = entries
	s.workingMu.Unlock()

	return candidates, nil
}

// Stage moves the given resources from the last Status result into the staging area.
// Staging an unchanged resource drops any earlier staged entry for it.
func (s *Service) Stage(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workingMu.Lock()
	working := s.working
	s.workingMu.Unlock()

	if working == nil {
		return fmt.Errorf("no working state: compute status before staging")
	}

	for _, id := range ids {
		w, ok := working[id]
		if !ok {
			return fmt.Errorf("resource %s: %w", id, ErrNotFound)
		}
		c := w.candidate
		if c.Status == StatusUnchanged {
			if err := s.staging.Unstage(id); err != nil {
				return fmt.Errorf("unstaging %s: %w", id, err)
			}
			continue
		}

		entry := &StagedEntry{
			ResourceID:   c.ResourceID,
			Type:         c.Type,
			Name:         c.Name,
			Status:       c.Status,
			HeadBlobHash: c.HeadBlobHash,
		}
		if c.Status != StatusDeleted {
			entry.BlobHash = c.LocalBlobHash
			entry.Content = w.content
		}
		if err := s.staging.Stage(entry); err != nil {
			return fmt.Errorf("staging %s: %w", id, err)
		}
		s.logger.Debug("staged", "id", id, "status", c.Status)
	}
	return nil
}

// Unstage removes resources from the staging area.
func (s *Service) Unstage(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if err := s.staging.Unstage(id); err != nil {
			return fmt.Errorf("unstaging %s: %w", id, err)
		}
	}
	return nil
}

// Staged returns the staged entries ordered by resource id.
func (s *Service) Staged(ctx context.Context) ([]*StagedEntry, error) {
	return s.staging.List()
}

func (s *Service) resetWorking() {
	s.workingMu.Lock()
	s.working = nil
	s.workingMu.Unlock()
}
