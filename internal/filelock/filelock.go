// Package filelock provides an advisory, exclusive, timeout-bounded lock on a
// file shared between processes.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock is still held by someone else after
// the timeout.
var ErrTimeout = errors.New("lock acquisition timed out")

// PollInterval is how often Acquire retries a held lock.
const PollInterval = 25 * time.Millisecond

// Lock is an exclusive advisory lock on one file. Separate Lock values on the
// same path exclude each other, in the same process or in different ones.
type Lock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// New returns an unheld lock on path. The file is created on first Acquire.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the locked file's path.
func (l *Lock) Path() string { return l.path }

// Held reports whether this Lock currently holds the file.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}

// Acquire takes the lock, retrying every PollInterval until timeout elapses
// or ctx is done. Acquiring a lock already held by l is a no-op.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		if ok {
			l.f = f
			return nil
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, l.path)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
