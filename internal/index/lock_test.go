package index

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestRebuildLockAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.lock")

	lock := NewRebuildLock(path)
	if err := lock.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if !lock.Held() {
		t.Error("expected lock to be held")
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if lock.Held() {
		t.Error("expected lock to be released")
	}
}

func TestRebuildLockUnlockWithoutLockIsNoop(t *testing.T) {
	lock := NewRebuildLock(filepath.Join(t.TempDir(), "rebuild.lock"))
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock on unheld lock failed: %v", err)
	}
}

func TestRebuildLockReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.lock")

	lock := NewRebuildLock(path)
	if err := lock.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := lock.TryLock(); err != nil {
		t.Fatalf("second TryLock failed: %v", err)
	}
	defer func() { _ = lock.Unlock() }()
}

func TestRebuildLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.lock")

	first := NewRebuildLock(path)
	if err := first.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer func() { _ = first.Unlock() }()

	second := NewRebuildLock(path)
	if err := second.TryLock(); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("expected ErrRebuildInProgress, got %v", err)
	}
}
