package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when a specific config file
// changes, used for hot-reload without restarting the gateway. The
// running gateway sets these callbacks at startup.
type WatchTargets struct {
	// OnAdaptersChange fires when adapters.yaml is written or created.
	OnAdaptersChange func()

	// OnHooksChange fires when hooks.yaml is written or created.
	OnHooksChange func()

	// OnSchedulerChange fires when scheduler.yaml is written or created.
	OnSchedulerChange func()
}

// Watcher monitors one or more config directories for file changes using
// fsnotify, firing the appropriate callback when a matching file is
// written or created.
//
// The watcher runs a background goroutine that processes fsnotify
// events. Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches every directory in dirs for changes to
// adapters.yaml, hooks.yaml, and scheduler.yaml. Directories may
// coincide (a single flat config layout) or differ (per spec.md §6's
// separate --hooks-dir/--scheduler-dir/--adapters-config flags).
func NewWatcher(dirs []string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	seen := make(map[string]bool)
	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("config file watcher started", "dirs", dirs)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only writes and creates matter — a remove/rename means the
			// file is gone, not that it has fresh content to reload.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case "adapters.yaml":
				slog.Info("adapters.yaml changed, triggering reload")
				if targets.OnAdaptersChange != nil {
					targets.OnAdaptersChange()
				}
			case "hooks.yaml":
				slog.Info("hooks.yaml changed, triggering reload")
				if targets.OnHooksChange != nil {
					targets.OnHooksChange()
				}
			case "scheduler.yaml":
				slog.Info("scheduler.yaml changed, triggering reload")
				if targets.OnSchedulerChange != nil {
					targets.OnSchedulerChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
