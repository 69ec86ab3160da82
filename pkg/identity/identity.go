// Package identity implements BetCode's end-to-end identity and crypto
// layer (spec.md §4.3): X25519 identity keypairs, SHA-256 fingerprints,
// a trust-on-first-use fingerprint store, per-session ECDH+HKDF key
// exchange, and ChaCha20-Poly1305 AEAD envelopes.
package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
)

// KeyPair is an X25519 keypair: a daemon's long-lived identity key, which
// it generates once and persists at ~/.betcode/identity.key, or a
// per-handshake ephemeral key.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// Generate creates a fresh X25519 identity keypair.
func Generate() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// FromPrivateBytes reconstructs a KeyPair from a raw 32-byte X25519
// private scalar, as read back from identity.key.
func FromPrivateBytes(raw []byte) (*KeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity private key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// PrivateBytes returns the raw 32-byte scalar for persistence. Callers
// must zero the returned slice once written to disk.
func (k *KeyPair) PrivateBytes() []byte {
	return k.Private.Bytes()
}

// Fingerprint returns the colon-separated hex SHA-256 digest of the
// public key, e.g. "a1:2b:3c:...". This is the value shown to users for
// out-of-band verification and stored by the TOFU fingerprint store.
func Fingerprint(pub *ecdh.PublicKey) string {
	return FingerprintBytes(pub.Bytes())
}

// FingerprintBytes hashes a raw public key and renders it colon-hex.
func FingerprintBytes(pubBytes []byte) string {
	sum := sha256.Sum256(pubBytes)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// ParsePublicKey decodes a raw 32-byte X25519 public key.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// Zero overwrites a private-key byte slice in place. Callers that copy
// PrivateBytes() for file persistence should Zero the copy afterward.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
