// fsutil/paths.go
package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandTilde expands the tilde in paths to the user's home directory
func ExpandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		if path == "~" {
			return home, nil
		}

		// Replace just the ~ prefix with home directory
		return filepath.Join(home, path[2:]), nil
	}

	return path, nil
}

// ResolvePath returns path unchanged when absolute, otherwise joined onto base.
// A leading tilde is expanded first.
func ResolvePath(base, path string) string {
	if expanded, err := ExpandTilde(path); err == nil {
		path = expanded
	}
	if filepath.IsAbs(path) || base == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
