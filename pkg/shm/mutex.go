package shm

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"geopm/pkg/apperror"
)

// RobustMutex is a process-shared mutual exclusion lock backed by an
// advisory flock on a dedicated file. It is "robust" in the POSIX sense
// used by §3's invariants: if the owning process dies (or is killed)
// while holding the lock, the kernel releases the flock when the last fd
// referencing it closes, so a waiter is never left blocked forever by a
// dead owner the way a plain shared-memory futex word could.
type RobustMutex struct {
	path string
	file *os.File
}

// CreateMutex creates (or reopens) the lock file name under dir. Both the
// owning and the attaching side call this; flock, unlike a region
// created with O_EXCL, has no meaningful "already exists" failure mode.
func CreateMutex(dir, name string) (*RobustMutex, error) {
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to create robust mutex file").WithDetail("name", name)
	}
	return &RobustMutex{path: path, file: f}, nil
}

// Lock blocks until the mutex is acquired.
func (m *RobustMutex) Lock() error {
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to acquire robust mutex").WithDetail("path", m.path)
	}
	return nil
}

// TryLock attempts to acquire the mutex without blocking, returning false
// if it is already held.
func (m *RobustMutex) TryLock() (bool, error) {
	err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, apperror.Wrap(err, apperror.Runtime, "failed to try-lock robust mutex").WithDetail("path", m.path)
}

// Unlock releases the mutex.
func (m *RobustMutex) Unlock() error {
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_UN); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to release robust mutex").WithDetail("path", m.path)
	}
	return nil
}

// Close releases the underlying file descriptor. Any lock still held by
// this process is released by the kernel as a side effect.
func (m *RobustMutex) Close() error {
	return m.file.Close()
}
