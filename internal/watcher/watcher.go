// Package watcher reports local edits inside account folders so they can be
// told apart from the engine's own downloads.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/vonshlovens/remotesync/internal/remote"
)

// Handler receives debounced events one at a time
type Handler func(ctx context.Context, ev Event) error

// Options configures a Watcher
type Options struct {
	// Root is the account folder to watch
	Root           string
	Debounce       time.Duration
	IgnorePatterns []string
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Watcher monitors one folder tree for file changes
type Watcher struct {
	opts      Options
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	log       *slog.Logger
}

// New creates a watcher for opts.Root
func New(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		return nil, errors.New("watch root is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		opts:      opts,
		fsw:       fsw,
		debouncer: NewDebouncer(opts.Debounce, opts.Clock),
		log:       opts.Logger.With("root", opts.Root),
	}, nil
}

// Run watches until ctx is cancelled, passing debounced events to handle.
// Handler errors are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.fsw.Close()
	defer w.debouncer.Stop()

	if err := os.MkdirAll(w.opts.Root, 0755); err != nil {
		return fmt.Errorf("failed to create watch root: %w", err)
	}
	if err := w.addRecursive(w.opts.Root); err != nil {
		return err
	}
	w.log.Info("watcher started", "ignore_patterns", len(w.opts.IgnorePatterns))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", err)

		case ev := <-w.debouncer.Events():
			if err := handle(ctx, ev); err != nil {
				w.log.Warn("failed to handle local change", "path", ev.Path, "op", ev.Op.String(), "error", err)
			}
		}
	}
}

// Flush emits pending debounced events without waiting
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("error walking path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && w.ignored(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok || rel == "/" || w.ignored(rel) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			// Replaced or removed before we looked
			w.debouncer.Add(rel, OpRemove)
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) {
				if err := w.addRecursive(event.Name); err != nil {
					w.log.Warn("failed to add new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
		w.debouncer.Add(rel, OpWrite)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename arrives as the old name; the new name follows as a create
		w.debouncer.Add(rel, OpRemove)
	}
}

// relative converts an absolute path into a rooted slash path
func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return remote.CleanPath(rel), true
}

func (w *Watcher) ignored(rel string) bool {
	return remote.Ignored(w.opts.IgnorePatterns, rel)
}
