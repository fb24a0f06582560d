package vcs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultBranch is the active branch of a fresh workspace. It has no pointer until the
// first snapshot is taken.
const DefaultBranch = "main"

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// ValidateBranchName rejects names that cannot be used as branch names on every backend.
func ValidateBranchName(name string) error {
	if len(name) > 200 || !branchNamePattern.MatchString(name) ||
		strings.Contains(name, "..") || strings.Contains(name, "//") ||
		strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") ||
		strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// BranchManager maintains the branch pointer table.
type BranchManager struct {
	storage BranchStorage
	graph   *Graph
	logger  Logger
}

func NewBranchManager(storage BranchStorage, graph *Graph, logger Logger) *BranchManager {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &BranchManager{storage: storage, graph: graph, logger: logger}
}

// Create adds a branch pointing at fromSnapshotID.
func (m *BranchManager) Create(ctx context.Context, name, fromSnapshotID string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	if _, err := m.graph.GetSnapshot(ctx, fromSnapshotID); err != nil {
		return err
	}
	if err := m.storage.MoveBranch(ctx, name, "", fromSnapshotID); err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	m.logger.Info("created branch", "branch", name, "snapshot", ShortHash(fromSnapshotID))
	return nil
}

// Checkout makes name the active branch and returns its head tree. A branch without a
// pointer can only be checked out if it is the default branch of an empty workspace.
func (m *BranchManager) Checkout(ctx context.Context, name string) (Tree, error) {
	head, err := m.Head(ctx, name)
	if err != nil {
		return nil, err
	}
	tree := Tree{}
	if head != "" {
		snap, err := m.graph.GetSnapshot(ctx, head)
		if err != nil {
			return nil, err
		}
		tree = snap.Tree.Clone()
	}
	if err := m.storage.SetActiveBranch(ctx, name); err != nil {
		return nil, fmt.Errorf("setting active branch: %w", err)
	}
	m.logger.Info("checked out branch", "branch", name, "snapshot", ShortHash(head))
	return tree, nil
}

// Delete removes a branch pointer. Snapshots it pointed at are left for garbage collection.
func (m *BranchManager) Delete(ctx context.Context, name string) error {
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	if name == active {
		return fmt.Errorf("%w: %s", ErrCannotDeleteActive, name)
	}
	if err := m.storage.DeleteBranch(ctx, name); err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	m.logger.Info("deleted branch", "branch", name)
	return nil
}

// FastForward moves name to snapshotID only if the current pointer is an ancestor of it.
// A branch without a pointer is created.
func (m *BranchManager) FastForward(ctx context.Context, name, snapshotID string) error {
	current, err := m.Head(ctx, name)
	if err != nil {
		return err
	}
	if current == snapshotID {
		return nil
	}
	if current != "" {
		ok, err := m.graph.IsAncestor(ctx, current, snapshotID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s at %s cannot move to %s", ErrNotFastForward, name, ShortHash(current), ShortHash(snapshotID))
		}
	}
	return m.Move(ctx, name, current, snapshotID)
}

// Move sets name to to, provided it still points at from. It does not check ancestry.
func (m *BranchManager) Move(ctx context.Context, name, from, to string) error {
	if from == "" {
		if err := ValidateBranchName(name); err != nil {
			return err
		}
	}
	if err := m.storage.MoveBranch(ctx, name, from, to); err != nil {
		return fmt.Errorf("moving branch %s: %w", name, err)
	}
	m.logger.Debug("moved branch", "branch", name, "from", ShortHash(from), "to", ShortHash(to))
	return nil
}

// Rename changes a branch name, keeping it active if it was.
func (m *BranchManager) Rename(ctx context.Context, oldName, newName string) error {
	if err := ValidateBranchName(newName); err != nil {
		return err
	}
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	if _, err := m.storage.GetBranch(ctx, oldName); isNotFound(err) && oldName == active {
		// the active branch has no pointer yet; only the name moves
		return m.storage.SetActiveBranch(ctx, newName)
	}
	if err := m.storage.RenameBranch(ctx, oldName, newName); err != nil {
		return fmt.Errorf("renaming branch %s: %w", oldName, err)
	}
	m.logger.Info("renamed branch", "from", oldName, "to", newName)
	return nil
}

// List returns all branches ordered by name, marking the active one. The active
// branch is included even before its first snapshot.
func (m *BranchManager) List(ctx context.Context) ([]Branch, error) {
	branches, err := m.storage.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	active, err := m.Active(ctx)
	if err != nil {
		return nil, err
	}

	found := false
	for i := range branches {
		if branches[i].Name == active {
			branches[i].Active = true
			found = true
		}
	}
	if !found {
		branches = append(branches, Branch{Name: active, Active: true})
		sortBranches(branches)
	}
	return branches, nil
}

// Active returns the checked-out branch name.
func (m *BranchManager) Active(ctx context.Context) (string, error) {
	name, err := m.storage.ActiveBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("reading active branch: %w", err)
	}
	if name == "" {
		return DefaultBranch, nil
	}
	return name, nil
}

// Head returns the snapshot id name points at. The active branch without a pointer
// returns "". Any other missing branch is ErrNotFound.
func (m *BranchManager) Head(ctx context.Context, name string) (string, error) {
	id, err := m.storage.GetBranch(ctx, name)
	if err == nil {
		return id, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("reading branch %s: %w", name, err)
	}
	active, aerr := m.Active(ctx)
	if aerr != nil {
		return "", aerr
	}
	if name == active {
		return "", nil
	}
	return "", fmt.Errorf("branch %s: %w", name, ErrNotFound)
}

func sortBranches(b []Branch) {
	sort.Slice(b, func(i, j int) bool { return b[i].Name < b[j].Name })
}
