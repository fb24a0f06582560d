package encryption

import (
	"fmt"

	"wsync/internal/config"
	"wsync/internal/vcs"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// An empty type selects age.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (vcs.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
