// Package instance guarantees a single process owns the database at a time.
// Startup reconciliation cancels every active record, which is only safe when
// no other process is running workers against the same file.
package instance

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("another inkdrop process is using this database")

// Lock is an exclusive advisory lock next to the database file
type Lock struct {
	path  string
	flock *flock.Flock
}

// LockPath returns the lock file used for databasePath
func LockPath(databasePath string) string {
	return databasePath + ".lock"
}

// Acquire takes the lock without blocking
func Acquire(databasePath string) (*Lock, error) {
	path := LockPath(databasePath)
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{path: path, flock: fl}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}
