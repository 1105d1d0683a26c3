package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"spacekeeper/pkg/logger"
)

// ChangeCallback is invoked with the newly loaded config whenever the
// watched file changes.
type ChangeCallback func(newCfg *Config)

// Reloader watches a config file for changes and hot-reloads it, debouncing
// bursts of filesystem events (editors frequently write + rename on save)
// into a single reload.
type Reloader struct {
	configPath string
	config     *Config
	mu         sync.RWMutex

	watcher   *fsnotify.Watcher
	callbacks []ChangeCallback
	cbMu      sync.RWMutex

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logger.Logger
}

// NewReloader creates a Reloader for configPath. Call Load (or Start,
// which calls Load) before GetConfig returns anything useful.
func NewReloader(configPath string) *Reloader {
	return &Reloader{
		configPath:    configPath,
		callbacks:     make([]ChangeCallback, 0),
		debounceDelay: time.Second,
		log:           logger.Default(),
	}
}

// SetLogger overrides the package default logger.
func (r *Reloader) SetLogger(l *logger.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = l
}

// SetDebounceDelay overrides the default 1s debounce window.
func (r *Reloader) SetDebounceDelay(delay time.Duration) {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	r.debounceDelay = delay
}

// OnChange registers a callback fired (in its own goroutine) after every
// successful reload.
func (r *Reloader) OnChange(callback ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the most recently loaded config.
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Load performs the initial synchronous load.
func (r *Reloader) Load() error {
	cfg, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reloader: initial load: %w", err)
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	r.log.Infof("config loaded from %s", r.configPath)
	return nil
}

// Start loads the config and begins watching configPath's directory for
// writes, creates, and renames (atomic-write editors replace rather than
// truncate the file, so the directory must be watched, not just the file).
func (r *Reloader) Start() error {
	if r.ctx != nil {
		return fmt.Errorf("reloader: already started")
	}
	if err := r.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reloader: new watcher: %w", err)
	}
	r.watcher = watcher

	dir := filepath.Dir(r.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("reloader: watch dir %s: %w", dir, err)
	}
	if _, err := os.Stat(r.configPath); err == nil {
		if err := watcher.Add(r.configPath); err != nil {
			r.log.Warn("reloader: could not watch file directly, relying on directory watch")
		}
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.watch()
	r.log.Infof("config reloader watching %s", r.configPath)
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (r *Reloader) Stop() error {
	if r.ctx == nil {
		return nil
	}
	r.cancel()
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Reloader) watch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.triggerReload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Errorf("config watcher error: %v", err)
		}
	}
}

func (r *Reloader) triggerReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	newCfg, err := Load(r.configPath)
	if err != nil {
		r.log.Errorf("config reload failed: %v", err)
		return
	}

	r.mu.Lock()
	oldCfg := r.config
	r.config = newCfg
	r.mu.Unlock()

	r.log.Infof("config reloaded from %s", r.configPath)
	r.notifyCallbacks(newCfg, oldCfg)
}

func (r *Reloader) notifyCallbacks(newCfg, oldCfg *Config) {
	r.cbMu.RLock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		go func(callback ChangeCallback) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorf("config reload callback panicked: %v", rec)
				}
			}()
			callback(newCfg)
		}(cb)
	}
	_ = oldCfg
}
