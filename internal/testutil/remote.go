package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"wsync/internal/remote"
	"wsync/internal/vcs"
)

// NewTestRemote creates a new in-memory remote for testing.
func NewTestRemote(name string) *remote.MemoryRemote {
	return remote.NewMemoryRemote(name)
}

// ErrInjected is the cause of every failure FlakyRemote injects.
var ErrInjected = errors.New("injected failure")

// FlakyRemote wraps a remote and fails calls on demand. Failures are TransportErrors
// unless Permanent is set.
type FlakyRemote struct {
	vcs.Remote

	mu sync.Mutex
	// failures counts remaining injected failures per operation name.
	failures  map[string]int
	Permanent bool
}

// NewFlakyRemote wraps inner with no failures scheduled.
func NewFlakyRemote(inner vcs.Remote) *FlakyRemote {
	return &FlakyRemote{Remote: inner, failures: make(map[string]int)}
}

// FailNext makes the next n calls of op fail. op is a method name such as "PutBlob".
// A negative n fails every call.
func (f *FlakyRemote) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *FlakyRemote) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.failures[op]
	if n == 0 {
		return nil
	}
	if n > 0 {
		f.failures[op] = n - 1
	}
	if f.Permanent {
		return ErrInjected
	}
	return vcs.NewTransportError(op, ErrInjected)
}

func (f *FlakyRemote) HasBlob(ctx context.Context, hash string) (bool, error) {
	if err := f.fail("HasBlob"); err != nil {
		return false, err
	}
	return f.Remote.HasBlob(ctx, hash)
}

func (f *FlakyRemote) PutBlob(ctx context.Context, hash string, content []byte) error {
	if err := f.fail("PutBlob"); err != nil {
		return err
	}
	return f.Remote.PutBlob(ctx, hash, content)
}

func (f *FlakyRemote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	if err := f.fail("GetBlob"); err != nil {
		return nil, err
	}
	return f.Remote.GetBlob(ctx, hash)
}

func (f *FlakyRemote) PutSnapshot(ctx context.Context, snap *vcs.Snapshot) error {
	if err := f.fail("PutSnapshot"); err != nil {
		return err
	}
	return f.Remote.PutSnapshot(ctx, snap)
}

func (f *FlakyRemote) GetSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	if err := f.fail("GetSnapshot"); err != nil {
		return nil, err
	}
	return f.Remote.GetSnapshot(ctx, id)
}

func (f *FlakyRemote) SetBranch(ctx context.Context, name, snapshotID string) error {
	if err := f.fail("SetBranch"); err != nil {
		return err
	}
	return f.Remote.SetBranch(ctx, name, snapshotID)
}

// CountingRemote counts transfers through a remote.
type CountingRemote struct {
	vcs.Remote

	BlobPuts     atomic.Int64
	BlobGets     atomic.Int64
	SnapshotPuts atomic.Int64
	SnapshotGets atomic.Int64
}

// NewCountingRemote wraps inner.
func NewCountingRemote(inner vcs.Remote) *CountingRemote {
	return &CountingRemote{Remote: inner}
}

func (c *CountingRemote) PutBlob(ctx context.Context, hash string, content []byte) error {
	c.BlobPuts.Add(1)
	return c.Remote.PutBlob(ctx, hash, content)
}

func (c *CountingRemote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	c.BlobGets.Add(1)
	return c.Remote.GetBlob(ctx, hash)
}

func (c *CountingRemote) PutSnapshot(ctx context.Context, snap *vcs.Snapshot) error {
	c.SnapshotPuts.Add(1)
	return c.Remote.PutSnapshot(ctx, snap)
}

func (c *CountingRemote) GetSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	c.SnapshotGets.Add(1)
	return c.Remote.GetSnapshot(ctx, id)
}

// CorruptingRemote returns altered content for one blob hash.
type CorruptingRemote struct {
	vcs.Remote
	Hash string
}

func (c *CorruptingRemote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	data, err := c.Remote.GetBlob(ctx, hash)
	if err != nil || hash != c.Hash {
		return data, err
	}
	return append(data, []byte("tampered")...), nil
}
