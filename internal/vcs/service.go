package vcs

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"wsync/internal/retry"
)

// Options tunes a Service. The zero value is usable.
type Options struct {
	// Author is recorded on every snapshot the service creates.
	Author string

	BlobCache     BlobCache
	SnapshotCache SnapshotCache

	Retry       retry.Policy
	Concurrency int
}

// Service is the local versioning engine for one workspace. Mutating operations are
// serialized by a single lock; reads of immutable snapshots take no lock.
type Service struct {
	mu sync.Mutex

	db       Database
	staging  StagingArea
	blobs    *BlobStore
	graph    *Graph
	branches *BranchManager
	syncer   *Syncer
	remotes  map[string]Remote
	logger   Logger
	clock    Clock
	author   string

	syncLocks remoteLocks

	// working holds the resources seen by the most recent Status call.
	workingMu sync.Mutex
	working   map[string]workingEntry
}

type workingEntry struct {
	candidate StatusCandidate
	content   []byte
}

// NewService wires the engine components over db.
func NewService(db Database, staging StagingArea, remotes []Remote, logger Logger, clock Clock, opts Options) *Service {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}

	blobs := NewBlobStore(db, opts.BlobCache, logger)
	graph := NewGraph(db, blobs, opts.SnapshotCache, logger)

	byName := make(map[string]Remote, len(remotes))
	for _, r := range remotes {
		byName[r.Name()] = r
	}

	return &Service{
		db:       db,
		staging:  staging,
		blobs:    blobs,
		graph:    graph,
		branches: NewBranchManager(db, graph, logger),
		syncer:   NewSyncer(graph, blobs, opts.Retry, opts.Concurrency, logger),
		remotes:  byName,
		logger:   logger,
		clock:    clock,
		author:   opts.Author,
	}
}

// Blobs exposes the blob store.
func (s *Service) Blobs() *BlobStore { return s.blobs }

// Graph exposes the history graph.
func (s *Service) Graph() *Graph { return s.graph }

// Branches exposes the branch manager.
func (s *Service) Branches() *BranchManager { return s.branches }

// headTree returns the active branch, its head id and tree. An empty branch has an
// empty tree.
func (s *Service) headTree(ctx context.Context) (string, string, Tree, error) {
	active, err := s.branches.Active(ctx)
	if err != nil {
		return "", "", nil, err
	}
	head, err := s.branches.Head(ctx, active)
	if err != nil {
		return "", "", nil, err
	}
	if head == "" {
		return active, "", Tree{}, nil
	}
	snap, err := s.graph.GetSnapshot(ctx, head)
	if err != nil {
		return "", "", nil, err
	}
	return active, head, snap.Tree, nil
}

// TakeSnapshot commits the staged entries on top of the active branch head and advances
// the branch. The staging area is cleared on success.
func (s *Service) TakeSnapshot(ctx context.Context, message string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, err := s.db.LoadMergeState(ctx); err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	} else if state != nil {
		return nil, fmt.Errorf("%w: complete or abort the merge of %s first", ErrMergeInProgress, state.Branch)
	}

	staged, err := s.staging.List()
	if err != nil {
		return nil, fmt.Errorf("listing staged entries: %w", err)
	}
	if len(staged) == 0 {
		return nil, ErrNothingStaged
	}

	active, head, headTree, err := s.headTree(ctx)
	if err != nil {
		return nil, err
	}

	tree, err := ApplyStaged(ctx, headTree, staged, s.blobs.Put)
	if err != nil {
		return nil, err
	}

	var parents []string
	if head != "" {
		parents = []string{head}
	}
	snap, err := s.graph.CreateSnapshot(ctx, parents, tree, SnapshotMeta{
		Author:    s.author,
		Timestamp: s.clock.Now(),
		Message:   message,
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}

	if err := s.branches.Move(ctx, active, head, snap.ID); err != nil {
		return nil, err
	}
	if err := s.staging.Clear(); err != nil {
		return nil, fmt.Errorf("clearing staging area: %w", err)
	}
	s.resetWorking()

	s.logger.Info("took snapshot", "branch", active, "id", snap.ShortID(), "changes", len(staged))
	return snap, nil
}

// ListBranches returns all branches ordered by name with the active one marked.
func (s *Service) ListBranches(ctx context.Context) ([]Branch, error) {
	return s.branches.List(ctx)
}

// CreateBranch creates name at the active branch head.
func (s *Service) CreateBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.branches.Active(ctx)
	if err != nil {
		return err
	}
	head, err := s.branches.Head(ctx, active)
	if err != nil {
		return err
	}
	if head == "" {
		return fmt.Errorf("branch %s has no snapshots yet: %w", active, ErrNotFound)
	}
	return s.branches.Create(ctx, name, head)
}

// Checkout activates name and returns its head tree. Staged entries belong to the
// previous branch and are discarded.
func (s *Service) Checkout(ctx context.Context, name string) (Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, err := s.db.LoadMergeState(ctx); err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	} else if state != nil {
		return nil, ErrMergeInProgress
	}

	tree, err := s.branches.Checkout(ctx, name)
	if err != nil {
		return nil, err
	}
	if n, err := s.staging.Count(); err == nil && n > 0 {
		s.logger.Warn("discarding staged entries on checkout", "branch", name, "count", n)
	}
	if err := s.staging.Clear(); err != nil {
		return nil, fmt.Errorf("clearing staging area: %w", err)
	}
	s.resetWorking()
	return tree, nil
}

func (s *Service) DeleteBranch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branches.Delete(ctx, name)
}

func (s *Service) RenameBranch(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branches.Rename(ctx, oldName, newName)
}

// History yields the snapshots reachable from branch, newest first. A branch without
// snapshots yields nothing.
func (s *Service) History(ctx context.Context, branch string) iter.Seq2[*Snapshot, error] {
	return func(yield func(*Snapshot, error) bool) {
		head, err := s.branches.Head(ctx, branch)
		if err != nil {
			yield(nil, err)
			return
		}
		if head == "" {
			return
		}
		for snap, err := range s.graph.Ancestors(ctx, head) {
			if !yield(snap, err) || err != nil {
				return
			}
		}
	}
}

// GetSnapshot returns a snapshot by id.
func (s *Service) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return s.graph.GetSnapshot(ctx, id)
}

// Materialize loads every resource of tree, ordered by id.
func (s *Service) Materialize(ctx context.Context, tree Tree) ([]Resource, error) {
	out := make([]Resource, 0, len(tree))
	for _, id := range tree.IDs() {
		r, err := s.blobs.GetResource(ctx, tree[id].BlobHash)
		if err != nil {
			return nil, fmt.Errorf("materializing %s: %w", id, err)
		}
		out = append(out, *r)
	}
	return out, nil
}

// HeadTree returns the tree of the active branch head.
func (s *Service) HeadTree(ctx context.Context) (Tree, error) {
	_, _, tree, err := s.headTree(ctx)
	return tree, err
}

// RemoteNames returns the configured remotes in sorted order.
func (s *Service) RemoteNames() []string {
	names := make([]string, 0, len(s.remotes))
	for n := range s.remotes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) remote(name string) (Remote, error) {
	if name == "" && len(s.remotes) == 1 {
		for _, r := range s.remotes {
			return r, nil
		}
	}
	r, ok := s.remotes[name]
	if !ok {
		return nil, fmt.Errorf("remote %q: %w", name, ErrNotFound)
	}
	return r, nil
}

var _ Backend = (*Service)(nil)
