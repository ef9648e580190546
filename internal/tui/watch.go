package tui

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/takaaki-s/cftunnel/internal/core"
)

const (
	// statusInterval rechecks processes that die without touching the state file
	statusInterval = 10 * time.Second
	debounceDelay  = 300 * time.Millisecond
)

// watchState reloads the dashboard when the state file changes, and periodically
func (a *App) watchState(ctx context.Context) {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		core.Warn("Failed to create state watcher: %v", err)
	} else {
		defer watcher.Close()
		// The directory is watched since saves replace the file by rename
		dir := filepath.Dir(a.manager.States().Path())
		if err := watcher.Add(dir); err != nil {
			core.Warn("Failed to watch %s: %v", dir, err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	stateFile := filepath.Base(a.manager.States().Path())
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) != stateFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			core.Debug("State file changed: %s", event.Op)
			debounce = time.After(debounceDelay)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			core.Warn("State watcher error: %v", err)

		case <-debounce:
			debounce = nil
			a.reload()

		case <-ticker.C:
			a.reload()
		}
	}
}
