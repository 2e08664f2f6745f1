// Package notify provides a local fallback watcher for builds that could not
// establish a watchman session. It is strictly weaker than the daemon — no
// clock tokens, events only while the process runs — but lets the build keep
// reacting to source changes instead of falling back to full rescans.
package notify

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/buildwatch/logging"
)

// Event is one observed filesystem change.
type Event struct {
	// Path is the absolute path that changed.
	Path string
	// Op describes the change: "create", "write", "remove", "rename", "chmod".
	Op string
}

// Watcher watches a set of project roots recursively.
type Watcher struct {
	fs      *fsnotify.Watcher
	roots   []string
	matcher *patternmatcher.PatternMatcher
	events  chan Event
	logger  *logrus.Entry
}

// NewWatcher builds a recursive watcher over roots. Paths matching any of the
// ignore patterns (and everything under a matching directory) are skipped.
func NewWatcher(roots []string, ignore []string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	var matcher *patternmatcher.PatternMatcher
	if len(ignore) > 0 {
		matcher, err = patternmatcher.New(ignore)
		if err != nil {
			fs.Close()
			return nil, err
		}
	}

	w := &Watcher{
		fs:      fs,
		roots:   roots,
		matcher: matcher,
		events:  make(chan Event, 64),
		logger:  logging.NewLogger("notify"),
	}

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fs.Close()
			return nil, err
		}
	}
	return w, nil
}

// Events returns the channel change events are delivered on. It is closed
// when Start returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start pumps filesystem events until the context is cancelled. New
// directories are added to the watch as they appear; fsnotify does not watch
// recursively on its own.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watcher error")
		case <-ctx.Done():
			w.fs.Close()
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.WithError(err).Warnf("could not watch new directory %s", event.Name)
			}
		}
	}

	select {
	case w.events <- Event{Path: event.Name, Op: opString(event.Op)}:
	case <-ctx.Done():
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// addRecursive watches root and every directory below it, skipping ignored
// subtrees.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// ignored reports whether path matches an ignore pattern, checked relative to
// the root that contains it.
func (w *Watcher) ignored(path string) bool {
	if w.matcher == nil {
		return false
	}
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		matched, err := w.matcher.MatchesOrParentMatches(rel)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func opString(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	default:
		return "chmod"
	}
}
