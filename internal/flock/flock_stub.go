//go:build !unix

package flock

import (
	"os"
	"sync"
)

// Without flock the lock is only honoured inside this process, keyed by the
// open file's identity.
var (
	stubMu   sync.Mutex
	stubHeld = map[string]*os.File{}
)

func tryLock(f *os.File) (bool, error) {
	stubMu.Lock()
	defer stubMu.Unlock()
	if _, held := stubHeld[f.Name()]; held {
		return false, nil
	}
	stubHeld[f.Name()] = f
	return true, nil
}

func unlock(f *os.File) error {
	stubMu.Lock()
	defer stubMu.Unlock()
	if stubHeld[f.Name()] == f {
		delete(stubHeld, f.Name())
	}
	return nil
}
