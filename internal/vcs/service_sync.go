package vcs

import (
	"context"
	"errors"
	"fmt"
)

// Push uploads the active branch to the named remote. An empty name selects the only
// configured remote.
func (s *Service) Push(ctx context.Context, remoteName string) (*SyncResult, error) {
	remote, err := s.remote(remoteName)
	if err != nil {
		return nil, err
	}
	lock := s.syncLocks.get(remote.Name())
	lock.Lock()
	defer lock.Unlock()

	active, err := s.branches.Active(ctx)
	if err != nil {
		return nil, err
	}
	head, err := s.branches.Head(ctx, active)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return nil, fmt.Errorf("branch %s has no snapshots: %w", active, ErrNotFound)
	}

	return s.syncer.Push(ctx, remote, active, head)
}

// Pull downloads the active branch from the named remote and fast-forwards the local
// branch when possible. Diverged histories are reported, not merged.
func (s *Service) Pull(ctx context.Context, remoteName string) (*SyncResult, error) {
	remote, err := s.remote(remoteName)
	if err != nil {
		return nil, err
	}
	lock := s.syncLocks.get(remote.Name())
	lock.Lock()
	defer lock.Unlock()

	if state, err := s.db.LoadMergeState(ctx); err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	} else if state != nil {
		return nil, ErrMergeInProgress
	}

	active, err := s.branches.Active(ctx)
	if err != nil {
		return nil, err
	}

	// the transfer runs without the service lock
	result, err := s.syncer.Fetch(ctx, remote, active)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advanceAfterFetch(ctx, active, result); err != nil {
		return nil, err
	}
	return result, nil
}

// advanceAfterFetch moves branch to the fetched head if that is a fast-forward and
// sets result.Head to where the branch ends up. s.mu must be held.
func (s *Service) advanceAfterFetch(ctx context.Context, branch string, result *SyncResult) error {
	remoteHead := result.RemoteHead
	local, err := s.branches.Head(ctx, branch)
	if err != nil && !isNotFound(err) {
		return err
	}
	result.Head = local

	if local == remoteHead {
		return nil
	}
	if err := s.branches.FastForward(ctx, branch, remoteHead); err != nil {
		if !errors.Is(err, ErrNotFastForward) {
			return err
		}
		ahead, err := s.graph.IsAncestor(ctx, remoteHead, local)
		if err != nil {
			return err
		}
		if !ahead {
			result.Diverged = true
			s.logger.Warn("local and remote histories diverged", "branch", branch, "local", ShortHash(local), "remote", ShortHash(remoteHead))
		}
		return nil
	}
	result.Head = remoteHead
	result.FastForward = true
	s.logger.Info("fast-forwarded after pull", "branch", branch, "from", ShortHash(local), "to", ShortHash(remoteHead))
	return nil
}

// FetchAndMerge pulls the active branch and merges the remote head when the histories
// diverged.
func (s *Service) FetchAndMerge(ctx context.Context, remoteName string) (*SyncResult, *MergeResult, error) {
	remote, err := s.remote(remoteName)
	if err != nil {
		return nil, nil, err
	}
	active, err := s.branches.Active(ctx)
	if err != nil {
		return nil, nil, err
	}

	result, err := s.Pull(ctx, remoteName)
	if err != nil {
		return nil, nil, err
	}
	if !result.Diverged {
		kind := MergeNoOp
		if result.FastForward {
			kind = MergeFastForward
		}
		return result, &MergeResult{Kind: kind}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mr, err := s.mergeLocked(ctx, remote.Name()+"/"+active, result.RemoteHead)
	if err != nil {
		return nil, nil, err
	}
	return result, mr, nil
}

// RemoteBranches lists the branches of the named remote.
func (s *Service) RemoteBranches(ctx context.Context, remoteName string) ([]Branch, error) {
	remote, err := s.remote(remoteName)
	if err != nil {
		return nil, err
	}
	return remote.ListBranches(ctx)
}
