package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of filesystem events (e.g. an rsync of a
// whole model package) into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever the models directory changes. It blocks
// until ctx is cancelled or the watcher fails.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := r.addWatchTargets(w); err != nil {
		return fmt.Errorf("watch models dir: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			r.logger.Debug("models dir changed", "file", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := r.Load(); err != nil {
				r.logger.Error("registry reload failed", "error", err)
			}
			if err := r.addWatchTargets(w); err != nil {
				r.logger.Error("refresh watch targets", "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("models dir watcher error", "error", err)
		}
	}
}

// addWatchTargets watches the models dir plus every package directory under
// it. fsnotify does not recurse, and an in-place rewrite of a package's
// config.json only fires an event on the package directory itself.
func (r *Registry) addWatchTargets(w *fsnotify.Watcher) error {
	if err := w.Add(r.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.Add(filepath.Join(r.dir, entry.Name())); err != nil {
			r.logger.Warn("watch model package dir", "dir", entry.Name(), "error", err)
		}
	}
	return nil
}
