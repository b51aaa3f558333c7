package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	perrors "github.com/pierviz/pierviz/internal/errors"
)

// LockFile is the advisory lock file created in the archive root.
const LockFile = ".pierviz.lock"

// errLockHeld is returned by tryLock when another process holds the lock.
var errLockHeld = errors.New("lock held")

// Lock is an exclusive advisory lock over one archive root.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the archive lock without blocking. If another invocation
// holds it, a LOCKED error is returned and nothing is modified besides
// creating the root and lock file.
func Acquire(root string) (*Lock, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, perrors.NewFilesystem("create archive root", root, err)
	}

	path := filepath.Join(root, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, perrors.NewFilesystem("open lock", path, err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errLockHeld) {
			return nil, perrors.NewLocked(path)
		}
		return nil, perrors.NewFilesystem("lock", path, err)
	}

	// Owner pid is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The lock file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
