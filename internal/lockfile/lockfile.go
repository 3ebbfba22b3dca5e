// Package lockfile provides the single cross-process writer lock (C6):
// exactly one process may hold it at a time, via a non-blocking OS
// advisory file lock on a well-known path. Wired directly on
// github.com/theckman/go-flock rather than reimplemented, since that is
// precisely what it is.
package lockfile

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/theckman/go-flock"
)

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock.
var ErrAlreadyRunning = errors.New("AlreadyRunning: another lpkg instance is running")

// Lock wraps a single exclusive advisory file lock.
type Lock struct {
	fl *flock.Flock
}

// Name is the conventional lock file name under a lock directory
// (spec.md §6.1: /var/lpkg/db.lck).
const Name = "db.lck"

// Acquire takes a non-blocking exclusive lock on <lockDir>/db.lck. It
// returns ErrAlreadyRunning if some other process already holds it.
func Acquire(lockDir string) (*Lock, error) {
	path := filepath.Join(lockDir, Name)
	fl := flock.NewFlock(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lock %s", path)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if !l.fl.Locked() {
		return nil
	}
	return errors.Wrap(l.fl.Unlock(), "releasing lock")
}
