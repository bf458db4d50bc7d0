// Package mountlock guards a cache root against being driven by two catfs
// processes at once, which would corrupt the free-space governor's
// accounting and race on fingerprint xattrs.
package mountlock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"catfs/internal/logging"
)

var lockLogger = logging.GetLogger().WithPrefix("mountlock")

const lockFileName = ".catfs.lock"

// Lock is a held advisory lock on a cache root.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on cacheRoot. It returns
// ErrBusy if another process already holds it.
func Acquire(cacheRoot string) (*Lock, error) {
	path := filepath.Join(cacheRoot, lockFileName)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		lockLogger.Error("Failed to attempt lock on %q: %v", path, err)
		return nil, fmt.Errorf("mountlock: %w", err)
	}
	if !locked {
		lockLogger.Warn("Cache root %q is already locked by another catfs process", cacheRoot)
		return nil, ErrBusy
	}

	lockLogger.Info("Acquired mount lock on %q", cacheRoot)
	return &Lock{fl: fl}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	lockLogger.Info("Releasing mount lock on %q", l.fl.Path())
	return l.fl.Unlock()
}

// ErrBusy is returned by Acquire when the cache root is already locked.
var ErrBusy = busyError{}

type busyError struct{}

func (busyError) Error() string { return "cache root is already in use by another catfs process" }
