package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// ApplyFunc receives every configuration that loaded and validated after a
// change to the watched file.
type ApplyFunc func(ctx context.Context, cfg *Config) error

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for reload events.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the watcher waits for a burst of file events to
// settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reloads a configuration file when it changes and hands the result
// to an ApplyFunc. Load or apply failures are logged and the watcher keeps
// running; the previously applied configuration stays in effect.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	reloads int
}

// NewWatcher starts watching path. The directory is watched rather than the
// file so editors that replace the file by rename are still observed.
func NewWatcher(ctx context.Context, path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     absPath,
		apply:    apply,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		watcher:  fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config_watcher", "path", absPath)

	go w.watchLoop(ctx)

	return w, nil
}

// Reloads returns how many reloads were applied successfully.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Close stops the watcher and waits for its goroutine to exit, including a
// reload that is in progress.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

// watchLoop owns the debounce timer and runs every reload itself, so reloads
// never overlap and none runs after Close returns.
func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var (
		debounceTimer *time.Timer
		fire          <-chan time.Time
	)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fire:
			fire = nil
			w.reload(ctx)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer == nil {
					debounceTimer = time.NewTimer(w.debounce)
				} else {
					debounceTimer.Reset(w.debounce)
				}
				fire = debounceTimer.C
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed", "error", err)
		return
	}
	if err := w.apply(ctx, cfg); err != nil {
		w.logger.Error("Config apply failed", "policy", cfg.Trust.Policy, "error", err)
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("Configuration reloaded", "policy", cfg.Trust.Policy)
}
