package cleanup

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrInUse marks a deletion failure caused by another process holding the path.
var ErrInUse = errors.New("being used by another process")

// IsInUse reports whether err means the path is held by another process and
// a later attempt may succeed.
func IsInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInUse) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) {
		return true
	}
	// Windows sharing violations only surface through the message text.
	return strings.Contains(strings.ToLower(err.Error()), "being used by another process")
}

// RemoveWhenUnlocked deletes path recursively. A regular file carrying an
// advisory lock held elsewhere is reported as ErrInUse instead of being removed.
func RemoveWhenUnlocked(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		if err := probeLock(path); err != nil {
			return err
		}
	}

	return os.RemoveAll(path)
}

// probeLock briefly takes and releases the file's advisory lock.
func probeLock(path string) error {
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		// Unreadable or unsupported: let the removal itself decide.
		return nil
	}
	if !locked {
		return fmt.Errorf("%s: %w", path, ErrInUse)
	}
	return fl.Unlock()
}
