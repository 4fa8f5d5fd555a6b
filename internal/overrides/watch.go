// Package overrides hot-reloads the role-overrides and neighbor-overrides
// files whenever they change on disk, so an operator edit takes effect
// without a restart (spec §6 External interfaces).
package overrides

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/jarv/meshmap/internal/ingest"
)

// Watch starts a watcher on the parent directories of roleFile and
// neighborFile (fsnotify requires watching a directory to see editors'
// atomic-replace writes) and enqueues an EventOverridesReload whenever
// either file changes, so the reload runs on the single-writer broadcaster
// goroutine rather than here. It runs until done is closed, and never
// returns an error fatal to the service: a watcher failure just disables
// hot reload and logs a warning.
func Watch(done <-chan struct{}, roleFile, neighborFile string, queue chan<- ingest.Event) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("overrides: hot reload disabled, could not start watcher", "err", err)
		return
	}
	defer w.Close()

	watched := map[string]struct{}{}
	for _, f := range []string{roleFile, neighborFile} {
		if f == "" {
			continue
		}
		dir := filepath.Dir(f)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := w.Add(dir); err != nil {
			slog.Warn("overrides: could not watch directory", "dir", dir, "err", err)
			continue
		}
		watched[dir] = struct{}{}
	}
	if len(watched) == 0 {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name != filepath.Clean(roleFile) && name != filepath.Clean(neighborFile) {
				continue
			}
			slog.Info("overrides: reloading after change", "file", ev.Name)
			queue <- ingest.Event{Type: ingest.EventOverridesReload}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("overrides: watcher error", "err", err)
		}
	}
}
