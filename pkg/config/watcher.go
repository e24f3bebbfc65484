package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watcher watches the configuration file and reloads it on change
type Watcher struct {
	path      string
	cfg       *Config
	watcher   *fsnotify.Watcher
	onChange  func(old, updated *Config)
	logger    *slog.Logger
	mu        sync.RWMutex
	closeOnce sync.Once
	closeErr  error
}

// NewWatcher loads path and starts tracking it for writes
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after every successful reload
func (w *Watcher) OnChange(fn func(old, updated *Config)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Start blocks until ctx is done, reloading the file after bursts of writes
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	// Editors often write several times in a row
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			old, updated, err := w.reload()
			if err != nil {
				w.logger.Error("Failed to reload config, keeping previous", "error", err)
				continue
			}
			w.logger.Info("Config reloaded successfully")
			if sections := RestartRequired(old, updated); len(sections) > 0 {
				w.logger.Warn("Config changes require a restart to take effect", "sections", sections)
			}

			w.mu.RLock()
			fn := w.onChange
			w.mu.RUnlock()
			if fn != nil {
				fn(old, updated)
			}
		}
	}
}

func (w *Watcher) reload() (old, updated *Config, err error) {
	updated, err = Load(w.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	w.mu.Lock()
	old = w.cfg
	w.cfg = updated
	w.mu.Unlock()

	return old, updated, nil
}

// RestartRequired lists the top-level sections that differ between old and
// updated and cannot be applied to a running process. Only logging.level is live.
func RestartRequired(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}

	var sections []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}

	check("server", old.Server, updated.Server)
	check("upstreams", old.Upstreams, updated.Upstreams)
	check("forwarder", old.Forwarder, updated.Forwarder)
	check("cache", old.Cache, updated.Cache)
	check("resolver", old.Resolver, updated.Resolver)
	check("health", old.Health, updated.Health)
	check("rate_limit", old.RateLimit, updated.RateLimit)
	check("storage", old.Storage, updated.Storage)
	check("auth", old.Auth, updated.Auth)
	check("telemetry", old.Telemetry, updated.Telemetry)

	oldLog, newLog := old.Logging, updated.Logging
	oldLog.Level, newLog.Level = "", ""
	check("logging", oldLog, newLog)

	return sections
}

// Close stops the watcher; safe to call more than once
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		if w.watcher != nil {
			w.closeErr = w.watcher.Close()
		}
	})
	return w.closeErr
}
