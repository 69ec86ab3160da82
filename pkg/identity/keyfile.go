package identity

import (
	"fmt"
	"os"
	"path/filepath"
)

// keyFileSize is the raw X25519 private scalar length persisted to
// identity.key — no header, no JSON, just the 32 secret bytes.
const keyFileSize = 32

// LoadOrGenerate reads the identity keypair at path, generating and
// persisting a fresh one if the file does not yet exist. The file is
// written with owner-only permissions (spec.md §4.3, §6); the in-memory
// copy used to write it is zeroed immediately afterward.
func LoadOrGenerate(path string) (*KeyPair, error) {
	raw, err := readKeyFile(path)
	if err == nil {
		defer Zero(raw)
		return FromPrivateBytes(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, genErr := Generate()
	if genErr != nil {
		return nil, genErr
	}
	raw = kp.PrivateBytes()
	err = saveKeyFile(path, raw)
	Zero(raw)
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// readKeyFile reads path into a fixed-size buffer, per the spec's
// "read directly into a fixed-size buffer" discipline for secret
// material (avoids a transient growable-slice copy of the key).
func readKeyFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, keyFileSize)
	n, err := f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read identity key %s: %w", path, err)
	}
	if n != keyFileSize {
		return nil, fmt.Errorf("identity key %s: expected %d bytes, got %d", path, keyFileSize, n)
	}
	return buf, nil
}

func saveKeyFile(path string, raw []byte) error {
	if len(raw) != keyFileSize {
		return fmt.Errorf("identity key: invalid length %d, want %d", len(raw), keyFileSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity key %s: %w", path, err)
	}
	return nil
}
