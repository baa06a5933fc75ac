// Package flock provides a named advisory mutex backed by a lock file.
//
// A lock file exists only while some process holds or is waiting on it.
// Holders verify after locking that the file they locked is still the one
// at the path, so a holder that unlinks on release cannot leave a waiter
// holding an orphaned inode.
package flock

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// ErrTimeout is returned when the lock was not obtained within the timeout.
var ErrTimeout = errors.New("lock wait timed out")

// Locker acquires named advisory locks. A timeout <= 0 waits until ctx ends.
type Locker interface {
	Acquire(ctx context.Context, path string, timeout time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release() error
}

const (
	DefaultMinBackoff = 2 * time.Millisecond
	DefaultMaxBackoff = 100 * time.Millisecond
)

// FileLocker implements Locker with flock(2) on path. Waiters poll with a
// capped exponential backoff.
type FileLocker struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewFileLocker() *FileLocker {
	return &FileLocker{MinBackoff: DefaultMinBackoff, MaxBackoff: DefaultMaxBackoff}
}

func (l *FileLocker) Acquire(ctx context.Context, path string, timeout time.Duration) (Lease, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	minB, maxB := l.MinBackoff, l.MaxBackoff
	if minB <= 0 {
		minB = DefaultMinBackoff
	}
	if maxB < minB {
		maxB = max(DefaultMaxBackoff, minB)
	}

	backoff := minB
	for {
		lease, err := tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			if err := parent.Err(); err != nil {
				return nil, err
			}
			if timeout > 0 {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, maxB)
	}
}

// tryAcquire makes one non-blocking attempt. A nil lease and nil error mean
// the lock is held elsewhere.
func tryAcquire(path string) (Lease, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, xerrors.Wrap(err, "open lock file")
		}
		ok, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, xerrors.Wrap(err, "lock file")
		}
		if !ok {
			_ = f.Close()
			return nil, nil
		}
		if current(f, path) {
			return &fileLease{f: f, path: path}, nil
		}
		// previous holder unlinked the file between our open and lock
		_ = unlock(f)
		_ = f.Close()
	}
}

func current(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

type fileLease struct {
	once sync.Once
	f    *os.File
	path string
	err  error
}

// Release unlinks the lock file before unlocking it.
func (l *fileLease) Release() error {
	l.once.Do(func() {
		rmErr := os.Remove(l.path)
		if errors.Is(rmErr, os.ErrNotExist) {
			rmErr = nil
		}
		l.err = errors.Join(rmErr, unlock(l.f), l.f.Close())
		if l.err != nil {
			l.err = xerrors.Wrap(l.err, "release lock")
		}
	})
	return l.err
}
