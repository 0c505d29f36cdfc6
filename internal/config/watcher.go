package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	logKeyPath  = "path"
	logKeyError = "error"

	// debounce coalesces the burst of events editors and atomic renames
	// produce for one save.
	debounce = 200 * time.Millisecond
)

// Watch calls onChange with the freshly loaded config every time the file
// at path changes, until ctx is done. The directory is watched rather
// than the file so atomic replacements are seen too. Parse errors are
// logged and the previous config stays in effect.
func Watch(
	ctx context.Context,
	path string,
	logger *slog.Logger,
	onChange func(Config),
) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WarnContext(ctx, "config watcher error",
					logKeyPath, path,
					logKeyError, err)
			case <-fire:
				fire = nil
				cfg, err := Load(path)
				if err != nil {
					logger.WarnContext(ctx, "ignoring unreadable config",
						logKeyPath, path,
						logKeyError, err)
					continue
				}
				onChange(cfg)
			}
		}
	}()
	return nil
}
