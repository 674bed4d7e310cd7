// Package files holds file system helpers shared by the GGUF tools: existence
// checks, copies, cross-process locks and atomic replacement of a file.
package files

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LockRetryDelay is the polling period while waiting for a file lock held by another process.
var LockRetryDelay = 250 * time.Millisecond

// Exists returns true if the path exists, whatever its type.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsRegular returns true if path exists and is a regular file.
func IsRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CanRead reports whether the file can be opened for reading.
func CanRead(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// CanWrite reports whether the file can be opened for writing. The file is not modified.
func CanWrite(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// CopyFile copies src to dst, preserving the permission bits of src.
// It fails if dst exists, unless overwrite is set.
func CopyFile(src, dst string, overwrite bool) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %q", src)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "failed to close %q", dst)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return out.Sync()
}

// ExecOnFileLock locks lockPath (creating it if needed), executes fn and unlocks it.
// If lockPath is already locked, it polls every LockRetryDelay until it acquires
// the lock or ctx is done.
//
// The lockPath is not removed.
func ExecOnFileLock(ctx context.Context, lockPath string, fn func() error) (err error) {
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLockContext(ctx, LockRetryDelay)
	if err != nil {
		return errors.Wrapf(err, "while trying to lock %q", lockPath)
	}
	if !locked {
		return errors.Errorf("failed to lock %q", lockPath)
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Warningf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()
	return fn()
}

// TempPath returns a unique hidden file name next to path.
func TempPath(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+".tmp-"+uuid.NewString())
}

// ReplaceAtomic writes a new version of path through write and moves it over path.
//
// The content is written to a temporary file in the same directory, synced,
// given the permission bits of the current file and renamed over it. If write
// or any other step fails, the temporary file is removed and path is untouched.
func ReplaceAtomic(path string, write func(f *os.File) error) (err error) {
	perm := os.FileMode(0o644)
	if info, statErr := os.Stat(path); statErr == nil {
		perm = info.Mode().Perm()
	}

	tmpPath := TempPath(path)
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errors.Wrapf(err, "creating temporary file %q", tmpPath)
	}
	var tmpFileClosed, renamed bool
	defer func() {
		// On failure, make sure to close and remove the unfinished temporary file.
		if !tmpFileClosed {
			if cerr := tmpFile.Close(); cerr != nil {
				klog.Warningf("Failed closing temporary file %q: %v", tmpPath, cerr)
			}
		}
		if !renamed {
			if rerr := os.Remove(tmpPath); rerr != nil && !os.IsNotExist(rerr) {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, rerr)
			}
		}
	}()

	if err = write(tmpFile); err != nil {
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync temporary file %q", tmpPath)
	}
	tmpFileClosed = true
	if err = tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temporary file %q", tmpPath)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrapf(err, "failed to set permissions of %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, path)
	}
	renamed = true
	return nil
}
