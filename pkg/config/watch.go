package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/traceship/traceship/pkg/telemetry"
)

// DefaultDebounce is how long Watch waits after the last change before reloading.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives every successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path     string
	lookup   LookupFunc
	debounce time.Duration
	logger   *telemetry.Logger
	watcher  *fsnotify.Watcher
	onReload ReloadFunc

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// WatchOption customizes a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the reload debounce delay.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLookup sets the environment lookup used on reload.
func WithLookup(lookup LookupFunc) WatchOption {
	return func(w *Watcher) {
		w.lookup = lookup
	}
}

// Watch starts watching the file at path and calls onReload with each valid
// new configuration. Invalid files are logged and ignored, so the last good
// configuration stays in effect. Watching stops when ctx is done or Close is
// called.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are still seen.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onReload ReloadFunc, opts ...WatchOption) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger.NewComponentLogger("config"),
		watcher:  fw,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.lookup == nil {
		w.lookup = os.LookupEnv
	}

	go w.processEvents(ctx)

	w.logger.WithField("path", abs).Info("watching config file")
	return w, nil
}

// processEvents debounces change events for the watched file.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.WithField("op", event.Op.String()).Debug("config file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadWithLookup(w.path, w.lookup)
	if err != nil {
		w.logger.WithError(err).Error("failed to reload config, keeping previous")
		return
	}
	w.logger.Info("config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
