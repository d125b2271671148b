package state

import (
	"fmt"
	"os"
	"syscall"
)

// InstanceLock is the single-instance PID lock named in spec §5: an
// OS-released flock held for the process lifetime so it is released even
// on SIGKILL, unlike the advisory PID-file locks in lock.go which require
// staleness detection because they are not kernel-enforced.
type InstanceLock struct {
	file *os.File
}

// AcquireInstanceLock opens (creating if needed) the file at path and
// takes an exclusive, non-blocking flock on it. ErrAlreadyRunning is
// returned if another live process holds it.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open instance lock %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &InstanceLock{file: f}, nil
}

// Release releases the flock and closes the file. The kernel would do
// this automatically on process exit (even SIGKILL); Release just makes
// graceful shutdown prompt instead of waiting on process teardown.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
