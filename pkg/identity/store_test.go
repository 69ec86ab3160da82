package identity

import (
	"path/filepath"
	"testing"
)

func TestFingerprintStoreTOFU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_daemons.json")
	store, err := OpenFingerprintStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if v := store.Check("machine-1", "aa:bb"); v != VerdictNew {
		t.Fatalf("expected VerdictNew for unknown machine, got %v", v)
	}

	if err := store.Trust("machine-1", "aa:bb"); err != nil {
		t.Fatalf("trust: %v", err)
	}

	if v := store.Check("machine-1", "aa:bb"); v != VerdictMatch {
		t.Fatalf("expected VerdictMatch, got %v", v)
	}

	if v := store.Check("machine-1", "cc:dd"); v != VerdictMismatch {
		t.Fatalf("expected VerdictMismatch for a changed fingerprint, got %v", v)
	}
}

func TestFingerprintStoreReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_daemons.json")
	store1, err := OpenFingerprintStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store1.Trust("machine-1", "aa:bb"); err != nil {
		t.Fatalf("trust: %v", err)
	}

	store2, err := OpenFingerprintStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v := store2.Check("machine-1", "aa:bb"); v != VerdictMatch {
		t.Fatalf("expected persisted fingerprint to survive reload, got %v", v)
	}
}

func TestFingerprintStoreForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_daemons.json")
	store, err := OpenFingerprintStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Trust("machine-1", "aa:bb"); err != nil {
		t.Fatalf("trust: %v", err)
	}
	if err := store.Forget("machine-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if v := store.Check("machine-1", "aa:bb"); v != VerdictNew {
		t.Fatalf("expected VerdictNew after forgetting, got %v", v)
	}
}
