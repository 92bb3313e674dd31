//go:build linux

package envcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock is a flock on a per-identity lock file. The exclusive lock
// serializes provisioning and removal across processes sharing a cache
// root; holders of a ready environment keep a shared lock. The kernel drops the
// lock when the descriptor closes, including on crash, so an orphaned lock
// file is harmless.
type fileLock struct {
	file *os.File
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return f, nil
}

// acquireFileLock blocks until the lock at path is held.
func acquireFileLock(path string) (*fileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{file: f}, nil
}

// tryFileLock takes the lock without blocking. ok is false when another
// process holds it.
func tryFileLock(path string) (lock *fileLock, ok bool, err error) {
	return tryFlock(path, unix.LOCK_EX)
}

// trySharedLock takes a shared lock without blocking. Any number of holders
// may share it; ok is false while someone holds the exclusive lock.
func trySharedLock(path string) (lock *fileLock, ok bool, err error) {
	return tryFlock(path, unix.LOCK_SH)
}

func tryFlock(path string, how int) (*fileLock, bool, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{file: f}, true, nil
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *fileLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Debug("flock unlock failed", "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Debug("lock file close failed", "error", err)
	}
	l.file = nil
}
