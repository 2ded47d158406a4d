// Package pid keeps a second daemon from driving the same bench.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/battester/internal/errors"
)

// DefaultPath is used when no pid_file is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "battester.pid")
}

// Write writes the current process ID to path. It fails with
// ErrAlreadyRunning if path names a live process.
func Write(path string) error {
	errFactory := errors.New()
	pid := os.Getpid()

	if bytes, err := os.ReadFile(path); err == nil {
		// A file we cannot parse was not written by us; overwrite it.
		if other, err := strconv.Atoi(strings.TrimSpace(string(bytes))); err == nil && other != pid {
			process, err := os.FindProcess(other)
			if err != nil {
				return errFactory.Wrap(errors.ErrInternal, err)
			}
			if process.Signal(syscall.Signal(0)) == nil {
				return errFactory.WithData(errors.ErrAlreadyRunning, struct {
					PID  int
					Path string
				}{
					PID:  other,
					Path: path,
				})
			}
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func Remove(path string) error {
	errFactory := errors.New()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
