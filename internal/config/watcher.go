package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/miradorstack/mirador-triage/internal/utils"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher keeps the latest valid configuration for a file. A reload that fails to parse or
// validate is logged and the previous configuration stays in effect.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher loads path and returns a watcher holding it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: utils.Component(logger, "config")}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnReload registers fn to run after every successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(cfg)
	w.mu.Lock()
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	w.logger.Info("configuration reloaded", slog.String("path", w.path))
	return nil
}

// Run watches the file's directory until ctx is done. Editors that replace the file by rename
// are handled by watching the directory rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("configuration reload rejected", slog.String("path", w.path), slog.Any("error", err))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.Any("error", err))
		}
	}
}
