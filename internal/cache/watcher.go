package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 200 * time.Millisecond

// ManifestWatcher reloads a manifest file when it changes and reports new versions.
type ManifestWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*Manifest)
	current  string
}

// NewManifestWatcher creates a watcher for path. onChange fires only when the
// manifest's version differs from currentVersion (and from every version reported since).
func NewManifestWatcher(path, currentVersion string, onChange func(*Manifest)) *ManifestWatcher {
	return &ManifestWatcher{
		path:     filepath.Clean(path),
		debounce: DefaultWatchDebounce,
		onChange: onChange,
		current:  currentVersion,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so that
// atomic rename-into-place saves are observed.
func (w *ManifestWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("ManifestWatcher.Run: watching manifest", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			slog.Info("ManifestWatcher.Run: stopping")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ManifestWatcher.Run: watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *ManifestWatcher) reload() {
	m, err := LoadManifest(w.path)
	if err != nil {
		slog.Warn("ManifestWatcher.reload: ignoring unreadable manifest", "path", w.path, "error", err)
		return
	}
	if m.Version == w.current {
		slog.Debug("ManifestWatcher.reload: version unchanged", "version", m.Version)
		return
	}
	slog.Info("ManifestWatcher.reload: new manifest version", "from", w.current, "to", m.Version)
	w.current = m.Version
	if w.onChange != nil {
		w.onChange(m)
	}
}
