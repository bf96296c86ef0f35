package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvandessel/cmrsim/internal/constants"
)

// GlobalPath returns the path to the global .cmrsim directory.
// On Unix: ~/.cmrsim
// On Windows: %USERPROFILE%\.cmrsim
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, constants.StateDirName), nil
}

// LocalPath returns the path to the local .cmrsim directory
// for the given project root.
func LocalPath(projectRoot string) string {
	return filepath.Join(projectRoot, constants.StateDirName)
}

// EnsureLocalDir creates the local .cmrsim directory if it doesn't exist
// and returns its path.
func EnsureLocalDir(projectRoot string) (string, error) {
	dir := LocalPath(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", constants.StateDirName, err)
	}
	return dir, nil
}
