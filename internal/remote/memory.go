package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wsync/internal/vcs"
)

// MemoryRemote keeps everything in maps. It is safe for concurrent use and is
// what tests and the "memory" remote type use.
type MemoryRemote struct {
	name      string
	blobs     map[string][]byte
	snapshots map[string][]byte
	branches  map[string]string
	mu        sync.RWMutex
}

// NewMemoryRemote creates an empty in-memory remote.
func NewMemoryRemote(name string) *MemoryRemote {
	return &MemoryRemote{
		name:      name,
		blobs:     make(map[string][]byte),
		snapshots: make(map[string][]byte),
		branches:  make(map[string]string),
	}
}

func (m *MemoryRemote) Name() string { return m.name }

func (m *MemoryRemote) HasBlob(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

// PutBlob stores content under hash. Storing the same hash twice is a no-op.
func (m *MemoryRemote) PutBlob(ctx context.Context, hash string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte(nil), content...)
	}
	return nil
}

func (m *MemoryRemote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("remote blob %s: %w", vcs.ShortHash(hash), vcs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryRemote) HasSnapshot(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.snapshots[id]
	return ok, nil
}

func (m *MemoryRemote) PutSnapshot(ctx context.Context, snap *vcs.Snapshot) error {
	data, err := vcs.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[snap.ID]; !ok {
		m.snapshots[snap.ID] = data
	}
	return nil
}

func (m *MemoryRemote) GetSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snapshots[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("remote snapshot %s: %w", vcs.ShortHash(id), vcs.ErrNotFound)
	}
	return vcs.DecodeSnapshot(data)
}

func (m *MemoryRemote) GetBranch(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.branches[name], nil
}

func (m *MemoryRemote) SetBranch(ctx context.Context, name, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[name] = snapshotID
	return nil
}

func (m *MemoryRemote) ListBranches(ctx context.Context) ([]vcs.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vcs.Branch, 0, len(m.branches))
	for name, id := range m.branches {
		out = append(out, vcs.Branch{Name: name, SnapshotID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ValidateSetup always succeeds for an in-memory remote.
func (m *MemoryRemote) ValidateSetup(ctx context.Context) error {
	return nil
}

// BlobCount returns how many blobs the remote holds.
func (m *MemoryRemote) BlobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// SnapshotCount returns how many snapshots the remote holds.
func (m *MemoryRemote) SnapshotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// Compile-time check that MemoryRemote implements vcs.Remote interface
var _ vcs.Remote = (*MemoryRemote)(nil)
