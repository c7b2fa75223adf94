package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var ErrStoreLocked = errors.New("database is in use by another hogsim process")

// lockFilePath returns the path of the lock file guarding a database file.
func lockFilePath(dbPath string) string {
	return dbPath + ".lock"
}

// acquireLock writes the current PID next to the database. It fails with
// ErrStoreLocked while a live process other than this one holds the lock.
func acquireLock(dbPath string) error {
	lockPath := lockFilePath(dbPath)
	if pid := lockOwner(lockPath); pid != 0 {
		return fmt.Errorf("%w (PID %d)", ErrStoreLocked, pid)
	}
	return os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// releaseLock removes the lock file. Best-effort: ignores ENOENT.
func releaseLock(dbPath string) error {
	err := os.Remove(lockFilePath(dbPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// lockOwner returns the PID of a live process other than the current one
// that holds the lock, or 0. Corrupt and stale lock files are removed.
func lockOwner(lockPath string) int {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		os.Remove(lockPath)
		return 0
	}
	if pid == os.Getpid() {
		return 0
	}
	if !isProcessAlive(pid) {
		log.Info("Removing stale store lock of PID %d", pid)
		os.Remove(lockPath)
		return 0
	}
	return pid
}

// isProcessAlive checks if a process with the given PID exists.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without actually sending a signal
	return proc.Signal(syscall.Signal(0)) == nil
}
