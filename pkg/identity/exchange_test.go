package identity

import "testing"

func TestDeriveSessionKeyAgreesBothSides(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	aliceEph, err := Generate()
	if err != nil {
		t.Fatalf("generate alice ephemeral: %v", err)
	}
	bobEph, err := Generate()
	if err != nil {
		t.Fatalf("generate bob ephemeral: %v", err)
	}

	salt := []byte("session-123")
	const info = "betcode-session-key-v1"

	aliceKey, err := DeriveSessionKey(aliceEph, bobEph.Public, salt, info)
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	bobKey, err := DeriveSessionKey(bobEph, aliceEph.Public, salt, info)
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}

	if string(aliceKey.Bytes()) != string(bobKey.Bytes()) {
		t.Fatal("both sides of the ECDH exchange must agree on the derived key")
	}

	_ = alice
	_ = bob
}

func TestDeriveSessionKeyDiffersBySalt(t *testing.T) {
	aliceEph, _ := Generate()
	bobEph, _ := Generate()

	k1, err := DeriveSessionKey(aliceEph, bobEph.Public, []byte("session-a"), "info")
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	k2, err := DeriveSessionKey(aliceEph, bobEph.Public, []byte("session-b"), "info")
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if string(k1.Bytes()) == string(k2.Bytes()) {
		t.Fatal("expected different salts to derive different keys")
	}
}
