package plans

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// Watcher reloads a catalog whenever its override file changes
type Watcher struct {
	catalog  *Catalog
	path     string
	logger   *observability.Logger
	watcher  *fsnotify.Watcher
	onReload func(error)
}

// NewWatcher creates a watcher for the override file at path. The parent
// directory is watched so that editors replacing the file by rename are seen.
func NewWatcher(catalog *Catalog, path string, logger *observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &Watcher{
		catalog: catalog,
		path:    filepath.Clean(path),
		logger:  logger.WithField("plan_file", path),
		watcher: fw,
	}, nil
}

// OnReload registers a callback invoked after every reload attempt
func (w *Watcher) OnReload(fn func(error)) {
	w.onReload = fn
}

// Run processes file events until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("plan file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	defer observability.RecoverPanic(w.logger, "plan catalog reload")

	err := w.catalog.LoadFile(w.path)
	if err != nil {
		// Keep serving the previous catalog
		w.logger.WithError(err).Error("failed to reload plan catalog")
	} else {
		w.logger.Info("plan catalog reloaded")
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
