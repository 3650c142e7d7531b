package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrRebuildInProgress indicates another process holds the rebuild lock.
var ErrRebuildInProgress = errors.New("a rebuild is already in progress")

// RebuildLock guards index rebuilds across processes using flock(2).
// Rebuilds are not re-entrant: a second populate run against the same
// base directory fails fast instead of racing the first. The lock is
// released automatically if the holder crashes.
type RebuildLock struct {
	path string
	file *os.File
}

// NewRebuildLock creates a lock at the given path. The lock file and
// its parent directories are created on first acquisition.
func NewRebuildLock(path string) *RebuildLock {
	return &RebuildLock{path: path}
}

// TryLock attempts to acquire the lock without blocking. It returns
// ErrRebuildInProgress when another process holds it.
func (l *RebuildLock) TryLock() error {
	if err := l.ensureFileExists(); err != nil {
		return err
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = l.file.Close()
		l.file = nil
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrRebuildInProgress
		}
		return fmt.Errorf("flock failed: %w", err)
	}
	return nil
}

// Unlock releases the lock. Calling Unlock on an unlocked RebuildLock
// is a no-op.
func (l *RebuildLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("flock unlock failed: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close failed: %w", closeErr)
	}
	return nil
}

// Held reports whether this instance currently holds the lock.
func (l *RebuildLock) Held() bool {
	return l.file != nil
}

func (l *RebuildLock) ensureFileExists() error {
	if l.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	l.file = file
	return nil
}
