package watchman

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grovetools/buildwatch/errors"
)

// Finder locates the daemon executable. Injected into Build so tests can
// resolve to a fixed path without touching the real PATH.
type Finder interface {
	Find(name string, env map[string]string) (string, error)
}

// FixedFinder always resolves to one configured executable path, for
// deployments that pin the daemon binary in configuration.
type FixedFinder string

// Find returns the configured path regardless of name or environment.
func (f FixedFinder) Find(string, map[string]string) (string, error) {
	return string(f), nil
}

// PathFinder resolves executables against the PATH of the supplied
// environment, falling back to the process's own PATH when the environment
// has none.
type PathFinder struct{}

// Find returns the absolute path of the named executable.
func (PathFinder) Find(name string, env map[string]string) (string, error) {
	searchPath := ""
	if env != nil {
		searchPath = env["PATH"]
	}
	if searchPath == "" {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeCommandNotFound,
				"could not locate "+name+" on PATH")
		}
		return path, nil
	}

	for _, dir := range strings.Split(searchPath, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", errors.New(errors.ErrCodeCommandNotFound,
		"could not locate "+name+" on the supplied PATH")
}
