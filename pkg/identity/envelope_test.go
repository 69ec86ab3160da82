package identity

import "testing"

func newTestSessionKey(t *testing.T) *SessionKey {
	t.Helper()
	aliceEph, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	bobEph, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	key, err := DeriveSessionKey(aliceEph, bobEph.Public, []byte("salt"), "info")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := newTestSessionKey(t)
	plaintext := []byte(`{"tool":"Bash","cmd":"ls"}`)
	aad := []byte("session-1")

	env, err := Seal(key, plaintext, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(key, env, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsWrongAdditionalData(t *testing.T) {
	key := newTestSessionKey(t)
	env, err := Seal(key, []byte("payload"), []byte("session-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(key, env, []byte("session-2")); err == nil {
		t.Fatal("expected Open to reject a payload sealed with different additional data")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := newTestSessionKey(t)
	env, err := Seal(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF
	if _, err := Open(key, env, nil); err == nil {
		t.Fatal("expected Open to reject tampered ciphertext")
	}
}
