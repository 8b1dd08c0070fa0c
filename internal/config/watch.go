package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ncnr/pyrecs/internal/monitoring"
)

// Watch reloads the instrument file at path whenever it changes and passes
// the validated result to apply. Invalid edits are logged and skipped. The
// parent directory is watched so editors that replace the file are seen.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, apply func(*InstrumentConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadInstrumentConfig(abs)
			if err != nil {
				monitoring.Logf("[config] ignoring edit to %s: %v", filepath.Base(abs), err)
				continue
			}
			monitoring.Logf("[config] reloaded %s", filepath.Base(abs))
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("[config] watcher error: %v", err)
		}
	}
}
