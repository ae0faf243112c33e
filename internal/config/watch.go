package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the bursts of events editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads profile name whenever the configuration file changes and
// passes the result to fn. It blocks until ctx ends. The directory is
// watched rather than the file so that atomic renames are seen.
func (m *Manager) Watch(ctx context.Context, name string, fn func(*Profile, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.configPath)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	base := filepath.Base(m.configPath)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.LogConfigError("watch", err)
		case <-timer.C:
			m.InvalidateCache()
			p, err := m.LoadProfile(name)
			m.logger.Info("Configuration reloaded", "path", m.configPath, "ok", err == nil)
			fn(p, err)
		}
	}
}
