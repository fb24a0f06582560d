// Package cache provides the in-process read caches used by the engine: a byte-bounded
// blob cache and a count-bounded snapshot cache.
package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"

	"wsync/internal/vcs"
)

// BlobCache holds blob content, bounded by total bytes.
type BlobCache struct {
	cache *ristretto.Cache
}

// NewBlobCache creates a blob cache holding up to maxBytes of content.
func NewBlobCache(maxBytes int64) (*BlobCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("blob cache size must be positive, got %d", maxBytes)
	}
	// ristretto recommends ten counters per expected item; assume ~1KiB blobs
	counters := max(maxBytes/1024*10, 1000)
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating blob cache: %w", err)
	}
	return &BlobCache{cache: c}, nil
}

func (b *BlobCache) Get(hash string) ([]byte, bool) {
	v, ok := b.cache.Get(hash)
	if !ok {
		return nil, false
	}
	content, ok := v.([]byte)
	return content, ok
}

// Add stores content. Admission is asynchronous and may be refused under pressure.
func (b *BlobCache) Add(hash string, content []byte) {
	b.cache.Set(hash, content, int64(len(content))+int64(len(hash)))
}

func (b *BlobCache) Remove(hash string) {
	b.cache.Del(hash)
}

// Wait blocks until pending additions are applied.
func (b *BlobCache) Wait() {
	b.cache.Wait()
}

func (b *BlobCache) Close() {
	b.cache.Close()
}

// SnapshotCache holds the most recently used snapshots.
type SnapshotCache struct {
	cache *lru.Cache[string, *vcs.Snapshot]
}

// NewSnapshotCache creates a cache holding up to size snapshots.
func NewSnapshotCache(size int) (*SnapshotCache, error) {
	c, err := lru.New[string, *vcs.Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}
	return &SnapshotCache{cache: c}, nil
}

func (s *SnapshotCache) Get(id string) (*vcs.Snapshot, bool) {
	return s.cache.Get(id)
}

func (s *SnapshotCache) Add(id string, snap *vcs.Snapshot) {
	s.cache.Add(id, snap)
}

func (s *SnapshotCache) Remove(id string) {
	s.cache.Remove(id)
}

// Len returns the number of cached snapshots.
func (s *SnapshotCache) Len() int {
	return s.cache.Len()
}

var (
	_ vcs.BlobCache     = (*BlobCache)(nil)
	_ vcs.SnapshotCache = (*SnapshotCache)(nil)
)
