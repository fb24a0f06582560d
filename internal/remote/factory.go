package remote

import (
	"context"
	"fmt"

	"wsync/internal/config"
	"wsync/internal/vcs"
)

// NewRemoteFromConfig creates a Remote implementation based on the remote config type.
// Encrypted remotes require enc; unlock may be nil when only pushing.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig, enc vcs.Encryptor, unlock UnlockFunc) (vcs.Remote, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("remote of type %q has no name", cfg.Type)
	}

	var r vcs.Remote
	switch cfg.Type {
	case "memory":
		r = NewMemoryRemote(cfg.Name)
	case "s3":
		s3r, err := NewS3Remote(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r = s3r
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem remote requires fs_root to be set")
		}
		fsr, err := NewFileSystemRemote(cfg.Name, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		r = fsr
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}

	if cfg.Encrypted {
		if enc == nil {
			return nil, fmt.Errorf("remote %s is encrypted but no encryptor is configured", cfg.Name)
		}
		r = NewEncryptedRemote(r, enc, unlock)
	}
	return r, nil
}
