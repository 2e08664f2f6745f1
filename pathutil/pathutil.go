// Package pathutil expands and canonicalizes filesystem paths before they
// are handed to the watchman daemon or the local watcher.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand expands a leading ~ and environment variables in a path and returns
// an absolute path.
func Expand(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	path = os.ExpandEnv(path)
	return filepath.Abs(path)
}

// Canonical resolves symlinks in a path so that two spellings of the same
// root register as one watch. The daemon refuses to watch through symlinked
// roots, so registration always uses the resolved form. If the path does not
// exist yet the absolute form is returned unchanged.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs, nil
	}
	return resolved, nil
}
