package identity

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope is an AEAD-sealed payload: a nonce plus ciphertext-with-tag.
// Everything outside of Seal/Open — including the relay and any
// buffered-request persistence — only ever sees this opaque structure,
// satisfying spec.md's "relay cannot read application payloads" invariant.
type Envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts plaintext under key, authenticating additionalData (e.g.
// the session ID) without including it in the ciphertext.
func Seal(key *SessionKey, plaintext, additionalData []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData)
	return &Envelope{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Open authenticates and decrypts an Envelope sealed with Seal, given the
// same additionalData used at seal time.
func Open(key *SessionKey, env *Envelope, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(env.Nonce), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}
	return plaintext, nil
}
