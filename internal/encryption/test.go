package encryption

import (
	"bytes"
	"fmt"
	"io"

	"wsync/internal/vcs"
)

// testHeader marks payloads "encrypted" by TestEncryptor.
var testHeader = []byte("WSENC\x00\x01\x00")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. It prepends a fixed
// header and XORs the payload with a constant so ciphertext never contains the
// plaintext verbatim, while staying trivially reversible.
type TestEncryptor struct {
	setupCalled bool
}

var _ vcs.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := w.Write(xorBytes(data)); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (vcs.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ vcs.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	if !bytes.HasPrefix(data, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := w.Write(xorBytes(data[len(testHeader):])); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	return nil
}

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5a
	}
	return out
}
