package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the configuration when the backing file changes.
// Callbacks run on a debounced reload; an invalid file keeps the previous
// configuration in place.
type Watcher struct {
	path      string
	config    *Config
	callbacks []func(*Config)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher starts watching the config file at path.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config file %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		config:  initial,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}
	go w.watchLoop()

	logger.Info("configuration hot reloading enabled", zap.String("path", path))
	return w, nil
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) watchLoop() {
	const debounceDelay = 500 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("keeping previous configuration, reload failed",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	w.config = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, callback := range callbacks {
		callback(cfg)
	}
}
