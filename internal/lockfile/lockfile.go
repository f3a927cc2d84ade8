// Package lockfile guards the data directory so only one daemon instance
// mutates the document cache and read model at a time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrAlreadyLocked indicates another daemon already owns the data dir.
var ErrAlreadyLocked = errors.New("data dir locked by another process")

type Lock struct {
	path string
	f    *os.File
}

// AcquireInDir locks dir for this process. The dir is created if missing.
func AcquireInDir(dir string) (*Lock, error) {
	if dir == "" {
		return nil, errors.New("empty lock dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(dir, "daemon.lock"))
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("empty lock path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort: record the owning pid for troubleshooting.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
