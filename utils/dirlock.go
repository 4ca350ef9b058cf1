package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
)

// SessionLock is a process-exclusion lock over an orchestrator's base
// directory: it prevents two orchestrator processes from racing against
// the same worktree pool on disk.
type SessionLock struct {
	lockFile *flock.Flock
	lockPath string
}

// sanitizeDirPath converts a directory path to a safe filename.
func sanitizeDirPath(dirPath string) string {
	sanitized := strings.ReplaceAll(dirPath, "/", "--")
	sanitized = strings.ReplaceAll(sanitized, "\\", "--")
	sanitized = strings.ReplaceAll(sanitized, ":", "--")
	sanitized = strings.ReplaceAll(sanitized, "*", "-star-")
	sanitized = strings.ReplaceAll(sanitized, "?", "-q-")
	sanitized = strings.ReplaceAll(sanitized, "\"", "-quote-")
	sanitized = strings.ReplaceAll(sanitized, "<", "-lt-")
	sanitized = strings.ReplaceAll(sanitized, ">", "-gt-")
	sanitized = strings.ReplaceAll(sanitized, "|", "-pipe-")

	reg := regexp.MustCompile(`[^\w\-.]`)
	sanitized = reg.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, ".-")

	if sanitized == "" {
		sanitized = "default"
	}
	return sanitized
}

// NewSessionLock creates a lock keyed on baseDir. If baseDir is empty, it
// uses the current working directory.
func NewSessionLock(baseDir string) (*SessionLock, error) {
	lockDir := baseDir
	if lockDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		lockDir = cwd
	}

	sanitizedDir := sanitizeDirPath(lockDir)

	tempDir := os.TempDir()
	lockDirPath := filepath.Join(tempDir, "pipelinehardening")
	if err := os.MkdirAll(lockDirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockFileName := fmt.Sprintf("%s.lock", sanitizedDir)
	lockPath := filepath.Join(lockDirPath, lockFileName)

	return &SessionLock{
		lockFile: flock.New(lockPath),
		lockPath: lockPath,
	}, nil
}

// TryLock attempts to acquire the session lock. Returns an error if another
// orchestrator process already holds it for this base directory.
func (sl *SessionLock) TryLock() error {
	locked, err := sl.lockFile.TryLock()
	if err != nil {
		return fmt.Errorf("failed to try lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another orchestrator session is already running against this base directory")
	}
	return nil
}

// Unlock releases the session lock and removes the lock file.
func (sl *SessionLock) Unlock() error {
	if sl.lockFile == nil {
		return nil
	}
	if err := sl.lockFile.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if err := os.Remove(sl.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// LockPath returns the path to the lock file, for debugging/testing.
func (sl *SessionLock) LockPath() string {
	return sl.lockPath
}
