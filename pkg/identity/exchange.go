package identity

import (
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKey is the symmetric key material derived for a single session's
// end-to-end encrypted channel between a client and a daemon.
type SessionKey struct {
	key []byte // 32 bytes, suitable for chacha20poly1305.New
}

// DeriveSessionKey performs an ECDH exchange between self's private key
// (the callers pass a per-handshake ephemeral keypair) and the peer's
// public key, then runs the shared secret through
// HKDF-SHA256 to produce a 32-byte AEAD key. salt should be unique per
// session (e.g. the session ID) so two sessions between the same two
// identities never reuse key material.
func DeriveSessionKey(self *KeyPair, peer *ecdh.PublicKey, salt []byte, info string) (*SessionKey, error) {
	shared, err := self.Private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh exchange: %w", err)
	}

	reader := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return &SessionKey{key: key}, nil
}

// Bytes returns the raw 32-byte AEAD key.
func (k *SessionKey) Bytes() []byte { return k.key }

// Zero overwrites the key material once the session ends.
func (k *SessionKey) Zero() { Zero(k.key) }
