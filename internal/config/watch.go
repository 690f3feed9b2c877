package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes the new
// Config to onChange. Invalid files are logged and skipped. The containing
// directory is watched so that atomic rename-on-save is seen. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(Config)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				log.WarnContext(ctx, "config.reload.err", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.reload.ok", slog.String("path", abs))
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.err", slog.String("err", err.Error()))
		}
	}
}
