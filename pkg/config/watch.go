package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

const reloadDelay = 500 * time.Millisecond

// Watch reloads the settings file whenever it changes and hands the result
// to onChange. Invalid files are logged and ignored. Watch returns once the
// watcher is running; it stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*Settings)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.NewComponentLogger("config-watch")
	go processEvents(ctx, watcher, abs, logger, onChange)

	logger.Infof("watching %s for changes", abs)
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *telemetry.Logger, onChange func(*Settings)) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				settings, err := Load(path)
				if err != nil {
					logger.WithError(err).Error("failed to reload settings")
					return
				}
				logger.Info("settings reloaded")
				onChange(settings)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("watcher error")
		}
	}
}
