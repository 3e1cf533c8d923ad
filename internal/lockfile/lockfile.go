// Package lockfile keeps a second agent from opening the same store directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created inside the store directory
const FileName = "tidemeter.lock"

// ErrAlreadyRunning is matched by errors.Is when another process holds the lock
var ErrAlreadyRunning = errors.New("another instance is already running")

// HeldError reports who holds the lock
type HeldError struct {
	Path string
	PID  int // 0 when the holder's pid could not be read
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%v (pid %d holds %s)", ErrAlreadyRunning, e.PID, e.Path)
	}
	return fmt.Sprintf("%v (lock held at %s)", ErrAlreadyRunning, e.Path)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Lock is an exclusive flock on a file
type Lock struct {
	path string
	file *os.File
}

// PathFor returns the lock path for a store directory
func PathFor(storeDir string) string {
	return filepath.Join(storeDir, FileName)
}

// Acquire takes the lock without blocking and records this process's pid in it
func Acquire(lockPath string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			pid, _ := ReadPID(lockPath)
			return nil, &HeldError{Path: lockPath, PID: pid}
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if err := writePID(file); err != nil {
		file.Close()
		return nil, err
	}

	return &Lock{path: lockPath, file: file}, nil
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	return file.Sync()
}

// Release drops the lock. The file stays so the next holder locks the same inode.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	l.file = nil
	return nil
}

// Path returns the path to the lock file
func (l *Lock) Path() string {
	return l.path
}

// ReadPID reads the pid recorded in a lock file; 0 if the file doesn't exist
func ReadPID(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return 0, fmt.Errorf("lock file is empty")
	}

	pid, err := strconv.Atoi(content)
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID from lock file: %w", err)
	}
	return pid, nil
}
