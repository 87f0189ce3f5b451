package agentconfig

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the store when its file is edited outside the process and
// calls onChange after every successful reload. It blocks until ctx is done.
// The directory is watched rather than the file so that atomic renames,
// including our own saves, are seen.
func Watch(ctx context.Context, store *Store, logger *zap.SugaredLogger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	logger.Infof("Watching %s for changes", store.Path())
	base := filepath.Base(store.Path())

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Editors write in several steps; let the file settle.
			time.Sleep(100 * time.Millisecond)

			changed, err := store.Reload()
			switch {
			case errors.Is(err, ErrDirty):
				logger.Warnf("Config file %s changed on disk but there are unsaved changes; keeping in-memory configuration", store.Path())
			case err != nil:
				logger.Errorf("Failed to reload config: %v", err)
			case changed:
				logger.Info("Config reloaded from disk")
				if onChange != nil {
					onChange()
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorf("File watcher error: %v", err)
		}
	}
}
