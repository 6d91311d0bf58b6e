// Package lock implements the process-wide single-instance lock described
// in the external interfaces: an advisory, non-blocking, exclusive
// byte-range lock on a configured path, whose content is the holder's pid.
//
// Grounded on the original Python runner's process_lock.py (fcntl.flock
// LOCK_EX|LOCK_NB on a handle, pid written on acquire, released on exit).
// No pack example implements file locking; golang.org/x/sys/unix.Flock is
// used because golang.org/x/sys already sits in this module's dependency
// graph and is the standard ecosystem idiom for advisory locks tied to a
// living process (an O_EXCL create cannot express "released on crash" the
// way a flock held by the process can).
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// FileLock is a held advisory exclusive lock on a single file.
type FileLock struct {
	path string
	file *os.File
}

// Acquire opens (creating if needed) the file at path and takes a
// non-blocking exclusive flock on it. Failure to acquire (contention or any
// OS error) is reported as a single wrapped error — the caller treats this
// as fatal single-instance contention.
func Acquire(path string) (*FileLock, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("instance already running (lock held on %s): %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid to lock file: %w", err)
	}
	return &FileLock{path: path, file: f}, nil
}

// Release unlocks and closes the underlying file descriptor. Safe to call
// multiple times.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
