package testutil

import (
	"wsync/internal/encryption"
	"wsync/internal/vcs"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() vcs.Encryptor {
	return encryption.NewTestEncryptor()
}
