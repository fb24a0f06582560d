package encryption

import (
	"bytes"

	"wsync/internal/vcs"
)

// Seal encrypts an in-memory payload.
func Seal(enc vcs.Encryptor, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader(plaintext), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Open decrypts an in-memory payload produced by Seal.
func Open(dc vcs.DecryptionContext, ciphertext []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(ciphertext), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
