package remote

import (
	"context"
	"fmt"
	"sync"

	"wsync/internal/encryption"
	"wsync/internal/vcs"
)

// UnlockFunc produces the decryption context for an encrypted remote, usually by
// prompting for a passphrase. It is called at most once, on the first download.
type UnlockFunc func() (vcs.DecryptionContext, error)

// EncryptedRemote encrypts blob payloads before they leave the machine and decrypts
// them on the way back. Blob keys stay the plaintext hash so deduplication and
// verification keep working; snapshots and branch pointers pass through unchanged.
type EncryptedRemote struct {
	vcs.Remote
	enc    vcs.Encryptor
	unlock UnlockFunc

	mu sync.Mutex
	dc vcs.DecryptionContext
}

// NewEncryptedRemote wraps inner.
func NewEncryptedRemote(inner vcs.Remote, enc vcs.Encryptor, unlock UnlockFunc) *EncryptedRemote {
	return &EncryptedRemote{Remote: inner, enc: enc, unlock: unlock}
}

func (r *EncryptedRemote) PutBlob(ctx context.Context, hash string, content []byte) error {
	sealed, err := encryption.Seal(r.enc, content)
	if err != nil {
		return fmt.Errorf("encrypting blob %s: %w", vcs.ShortHash(hash), err)
	}
	return r.Remote.PutBlob(ctx, hash, sealed)
}

func (r *EncryptedRemote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	sealed, err := r.Remote.GetBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	dc, err := r.decryptionContext()
	if err != nil {
		return nil, err
	}
	content, err := encryption.Open(dc, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting blob %s: %v", vcs.ErrIntegrity, vcs.ShortHash(hash), err)
	}
	return content, nil
}

func (r *EncryptedRemote) decryptionContext() (vcs.DecryptionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dc != nil {
		return r.dc, nil
	}
	if r.unlock == nil {
		return nil, fmt.Errorf("remote %s is encrypted but no passphrase was provided", r.Name())
	}
	dc, err := r.unlock()
	if err != nil {
		return nil, fmt.Errorf("unlocking key for remote %s: %w", r.Name(), err)
	}
	r.dc = dc
	return dc, nil
}

// ValidateSetup also requires the encryption keys to exist.
func (r *EncryptedRemote) ValidateSetup(ctx context.Context) error {
	if !r.enc.IsConfigured() {
		return fmt.Errorf("remote %s is encrypted but encryption is not set up (run `wsync encryption setup`)", r.Name())
	}
	return r.Remote.ValidateSetup(ctx)
}

var _ vcs.Remote = (*EncryptedRemote)(nil)
