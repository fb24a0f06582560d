package vcs

import (
	"context"
	"fmt"
)

// BlobCache holds recently read blob content. Implementations must be safe for
// concurrent use and may drop entries at any time.
type BlobCache interface {
	Get(hash string) ([]byte, bool)
	Add(hash string, content []byte)
	Remove(hash string)
}

// BlobStore is the content-addressed store for serialized resource bodies.
type BlobStore struct {
	storage BlobStorage
	cache   BlobCache
	logger  Logger
}

// NewBlobStore wraps storage. cache may be nil.
func NewBlobStore(storage BlobStorage, cache BlobCache, logger Logger) *BlobStore {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &BlobStore{storage: storage, cache: cache, logger: logger}
}

// Put stores content and returns its hash. Storing identical content again returns
// the same hash without a second write.
func (b *BlobStore) Put(ctx context.Context, content []byte) (string, error) {
	hash := HashBytes(content)
	if err := b.put(ctx, hash, content); err != nil {
		return "", err
	}
	return hash, nil
}

// PutVerified stores content received from elsewhere under its claimed hash, failing
// with ErrIntegrity if the content does not hash to it.
func (b *BlobStore) PutVerified(ctx context.Context, hash string, content []byte) error {
	if got := HashBytes(content); got != hash {
		return fmt.Errorf("%w: blob %s hashes to %s", ErrIntegrity, hash, got)
	}
	return b.put(ctx, hash, content)
}

func (b *BlobStore) put(ctx context.Context, hash string, content []byte) error {
	ok, err := b.storage.HasBlob(ctx, hash)
	if err != nil {
		return fmt.Errorf("checking blob %s: %w", ShortHash(hash), err)
	}
	if ok {
		return nil
	}

	inserted, err := b.storage.InsertBlob(ctx, hash, content)
	if err != nil {
		return fmt.Errorf("storing blob %s: %w", ShortHash(hash), err)
	}
	if inserted {
		b.logger.Debug("stored blob", "hash", ShortHash(hash), "size", len(content))
	}
	return nil
}

// Get returns the content for hash. Returns ErrNotFound if absent and ErrIntegrity if
// the stored bytes no longer match the hash.
func (b *BlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if b.cache != nil {
		if content, ok := b.cache.Get(hash); ok {
			return content, nil
		}
	}

	content, err := b.storage.LoadBlob(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("loading blob %s: %w", ShortHash(hash), err)
	}
	if got := HashBytes(content); got != hash {
		b.logger.Error("blob integrity check failed", "hash", hash, "actual", got)
		return nil, fmt.Errorf("%w: blob %s hashes to %s", ErrIntegrity, hash, got)
	}

	if b.cache != nil {
		b.cache.Add(hash, content)
	}
	return content, nil
}

// Has reports whether the blob is stored.
func (b *BlobStore) Has(ctx context.Context, hash string) (bool, error) {
	if b.cache != nil {
		if _, ok := b.cache.Get(hash); ok {
			return true, nil
		}
	}
	ok, err := b.storage.HasBlob(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", ShortHash(hash), err)
	}
	return ok, nil
}

// GetResource loads and decodes the resource stored at hash.
func (b *BlobStore) GetResource(ctx context.Context, hash string) (*Resource, error) {
	content, err := b.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return DecodeResource(content)
}

// Delete removes blobs from storage and the cache. Only garbage collection calls it.
func (b *BlobStore) Delete(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	if err := b.storage.DeleteBlobs(ctx, hashes); err != nil {
		return fmt.Errorf("deleting blobs: %w", err)
	}
	if b.cache != nil {
		for _, h := range hashes {
			b.cache.Remove(h)
		}
	}
	return nil
}

// List returns every stored blob hash.
func (b *BlobStore) List(ctx context.Context) ([]string, error) {
	hashes, err := b.storage.ListBlobHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return hashes, nil
}
