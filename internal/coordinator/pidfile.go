package coordinator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// lockFile enforces the single-writer rule: exactly one coordinator
// process may own the database at a time.
type lockFile struct {
	path string
	pid  int
}

func newLockFile(path string) *lockFile {
	return &lockFile{path: path, pid: os.Getpid()}
}

// acquire claims the lock. A live holder is an error; a stale file
// left by a dead process is removed and reclaimed.
func (l *lockFile) acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", l.pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.path)
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, rerr := readLockPID(l.path)
		if rerr == nil && holder > 0 && processAlive(holder) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, holder)
		}
		// Stale or unreadable: clear it and retry the exclusive create
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove stale lock file: %w", rmErr)
		}
	}
	return fmt.Errorf("failed to acquire lock file %s", l.path)
}

// held reports whether the lock file still names this process. A
// false result means another process stole or clobbered the lock.
func (l *lockFile) held() bool {
	holder, err := readLockPID(l.path)
	return err == nil && holder == l.pid
}

// release removes the lock only if this process still owns it.
func (l *lockFile) release() error {
	if !l.held() {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func readLockPID(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(content))
	if s == "" {
		return 0, fmt.Errorf("lock file is empty")
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid in lock file: %w", err)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
