package machine

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := &Machine{
		ID:           "mach-1",
		Name:         "laptop",
		OwnerID:      "user-1",
		RegisteredAt: time.Now().UTC(),
		LastSeen:     time.Now().UTC(),
	}
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "mach-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOffline {
		t.Fatalf("new machine should start offline, got %s", got.Status)
	}

	if err := s.SetStatus(ctx, "mach-1", StatusOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = s.Get(ctx, "mach-1")
	if got.Status != StatusOnline {
		t.Fatalf("expected online, got %s", got.Status)
	}

	list, err := s.ListByOwner(ctx, "user-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list by owner: %v, %d results", err, len(list))
	}

	if err := s.Delete(ctx, "mach-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "mach-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestOwns(t *testing.T) {
	m := &Machine{OwnerID: "user-1"}
	if !Owns(m, "user-1") {
		t.Fatal("expected owner match")
	}
	if Owns(m, "user-2") {
		t.Fatal("expected ownership mismatch to be rejected")
	}
	if Owns(nil, "user-1") {
		t.Fatal("nil machine should never be owned")
	}
}
