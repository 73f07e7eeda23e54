package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config when config.yaml changes on disk. Editors write
// with rename-replace, so the parent directory is watched instead of the
// file itself. Stop with StopWatch.
func (m *Manager) Watch(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.dirs.ConfigFile())
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go m.watchLoop(watcher, logger)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, logger *slog.Logger) {
	defer watcher.Close()

	target := m.dirs.ConfigFile()
	var debounce *time.Timer

	for {
		select {
		case <-m.stopWatch:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := m.Load(); err != nil {
					logger.Warn("config reload failed", "error", err)
					return
				}
				logger.Info("config reloaded", "path", target)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// StopWatch stops the file watcher. Safe to call once.
func (m *Manager) StopWatch() {
	m.watchOnce.Do(func() { close(m.stopWatch) })
}
