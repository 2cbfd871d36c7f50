package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/agentscript/internal/logging"
)

// SourceFileWatcher is the audit source for changes read from disk.
const SourceFileWatcher = "file_watcher"

const defaultDebounce = 100 * time.Millisecond

// ReloadFile applies the tree in path through the full-permission bridge.
// Boot-locked and immutable values in the file are rejected like any other
// change.
func (m *Manager) ReloadFile(ctx context.Context, path string) error {
	doc, err := LoadFile(path)
	if err != nil {
		return err
	}
	return errors.Join(m.Apply(ctx, SourceFileWatcher, doc)...)
}

// Watch reloads path whenever it is written until ctx is cancelled. The
// parent directory is watched so editors that replace the file are seen.
func (m *Manager) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		reload := func() {
			if err := m.ReloadFile(ctx, abs); err != nil {
				m.logger.Warn("config reload rejected",
					slog.String("path", abs),
					slog.String(logging.ErrorKey, err.Error()))
				return
			}
			m.logger.Info("config reloaded", slog.String("path", abs))
		}
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(defaultDebounce, reload)
				mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Error("config watcher error", slog.String(logging.ErrorKey, err.Error()))
			}
		}
	}()
	return nil
}
