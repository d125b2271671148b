package state

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FileLock is a cross-process advisory lock implemented as a PID file with
// staleness detection, per spec §5 ("a short-held lock" on state/queue
// snapshot files, and the 600s-stale advisory lock used for the git
// working tree in §4.3 — this is the same mechanism generalized).
type FileLock struct {
	path    string
	stale   time.Duration
	held    bool
}

// NewFileLock creates a lock at path with the given staleness window.
func NewFileLock(path string, stale time.Duration) *FileLock {
	return &FileLock{path: path, stale: stale}
}

// Acquire takes the lock, stealing it from a stale holder (mtime older
// than the staleness window, or a PID that is no longer alive) if needed.
func (l *FileLock) Acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock %s: %w", l.path, err)
		}
		if l.breakIfStale() {
			continue
		}
		return fmt.Errorf("lock %s held by another live process", l.path)
	}
	return fmt.Errorf("lock %s contended after retry", l.path)
}

// breakIfStale removes the lock file if it is older than the staleness
// window or names a PID that is no longer running, and reports whether it
// removed anything.
func (l *FileLock) breakIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) > l.stale {
		_ = os.Remove(l.path)
		return true
	}
	if data, err := os.ReadFile(l.path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if proc, ferr := os.FindProcess(pid); ferr == nil {
				// On Unix, FindProcess always succeeds; Signal(0) probes liveness.
				if sigErr := proc.Signal(processProbeSignal); sigErr != nil {
					_ = os.Remove(l.path)
					return true
				}
			}
		}
	}
	return false
}

// Release removes the lock file if this FileLock holds it.
func (l *FileLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
