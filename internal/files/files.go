// Package files holds small filesystem helpers shared by the hub and the model persistence code.
package files

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Exists returns true if the file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir returns true if path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReplaceTildeInDir replaces a leading "~" by the user's home directory.
func ReplaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		klog.Warningf("failed to resolve home directory for %q: %v", dir, err)
		return dir
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~"))
}

// LockPollPeriod is the minimum wait between attempts to acquire a lock held by someone else.
// The actual wait is randomized between LockPollPeriod and 2*LockPollPeriod.
var LockPollPeriod = time.Second

// WithLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes fn.
// If the lockPath is already locked, it polls until it acquires the lock.
//
// The lockPath is not removed. It's safe to remove it from fn, if one knows that no new calls to
// WithLock with the same lockPath are going to be made.
func WithLock(lockPath string, fn func() error) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, lockErr := fileLock.TryLock()
		if lockErr != nil {
			return errors.Wrapf(lockErr, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		time.Sleep(LockPollPeriod + time.Duration(rand.Int63n(int64(LockPollPeriod))))
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr == nil {
			return
		}
		if err == nil {
			err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
		} else {
			klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
		}
	}()
	return fn()
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", src)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", dst)
	}
	return nil
}
