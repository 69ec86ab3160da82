package authsvc

import (
	"strings"
	"testing"
	"time"
)

func testSecret() []byte {
	return []byte("a-test-secret-that-is-at-least-32-bytes-long")
}

func TestNewRejectsWeakSecret(t *testing.T) {
	store := NewMemoryStore()
	if _, err := New(Config{Secret: []byte("too-short")}, store); err != ErrWeakSecret {
		t.Fatalf("expected ErrWeakSecret for short secret, got %v", err)
	}
	if _, err := New(Config{Secret: []byte(devSecretPlaceholder)}, store); err != ErrWeakSecret {
		t.Fatalf("expected ErrWeakSecret for literal placeholder, got %v", err)
	}
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	store := NewMemoryStore()
	svc, err := New(Config{Secret: testSecret()}, store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	pair, err := svc.IssueTokenPair("user-1", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.Subject != "user-1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := svc.VerifyAccess(pair.RefreshToken); err != ErrUnauthenticated {
		t.Fatalf("expected refresh token to fail access verification, got %v", err)
	}
}

func TestRefreshRotationRejectsReuse(t *testing.T) {
	store := NewMemoryStore()
	svc, err := New(Config{Secret: testSecret()}, store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	pair0, err := svc.IssueTokenPair("user-1", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	pair1, err := svc.Refresh(pair0.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if pair1.RefreshToken == pair0.RefreshToken {
		t.Fatal("expected a new refresh token")
	}

	if _, err := svc.Refresh(pair0.RefreshToken); err != ErrUnauthenticated {
		t.Fatalf("expected reuse of rotated token to fail, got %v", err)
	}

	pair2, err := svc.Refresh(pair1.RefreshToken)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if pair2.RefreshToken == pair1.RefreshToken {
		t.Fatal("expected yet another new refresh token")
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	store := NewMemoryStore()
	svc, err := New(Config{Secret: testSecret(), RefreshTTL: time.Nanosecond}, store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	pair, err := svc.IssueTokenPair("user-1", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := svc.Refresh(pair.RefreshToken); err != ErrUnauthenticated {
		t.Fatalf("expected expired refresh token rejected, got %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("expected argon2id-encoded hash, got %s", hash)
	}

	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil || !ok {
		t.Fatalf("expected verification to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPassword("wrong password", hash)
	if err != nil || ok {
		t.Fatalf("expected verification to fail for wrong password, ok=%v err=%v", ok, err)
	}
}
