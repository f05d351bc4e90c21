// Package pathutil resolves the user-relative paths ssh tooling trades in.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome resolves a bare ~ or a leading ~/ against the current user's
// home directory. ~otheruser paths pass through unchanged since other
// accounts' home directories cannot be resolved reliably.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// EnsureParent creates the directory that will contain path, along with
// any missing ancestors.
func EnsureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
