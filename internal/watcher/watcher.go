// Package watcher reloads the relay configuration when the config file
// changes on disk. Reloads are debounced and skipped when the file content
// hash is unchanged.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const configReloadDebounce = 150 * time.Millisecond

// ReloadFunc applies a freshly loaded configuration. A returned error keeps
// the previous configuration hash so the next write retries the reload.
type ReloadFunc func(*config.Config) error

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath string
	reload     ReloadFunc
	watcher    *fsnotify.Watcher
	debounce   time.Duration

	mu             sync.RWMutex
	config         *config.Config
	lastConfigHash string

	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadMu          sync.Mutex
}

// NewWatcher creates a watcher for configPath. reload runs after every
// successful load of a changed file.
func NewWatcher(configPath string, reload ReloadFunc) (*Watcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: filepath.Clean(abs),
		reload:     reload,
		watcher:    fw,
		debounce:   configReloadDebounce,
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so editors that replace the file by rename keep triggering.
func (w *Watcher) Start(ctx context.Context) error {
	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		w.mu.Lock()
		if w.lastConfigHash == "" {
			w.lastConfigHash = hashOf(data)
		}
		w.mu.Unlock()
	} else if os.IsNotExist(err) {
		log.Infof("config file %s not found, watching for it to appear", w.configPath)
	}

	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher and any pending reload.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig records cfg as the active configuration, used to describe what
// changed on the next reload.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Config returns the active configuration.
func (w *Watcher) Config() *config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if filepath.Clean(event.Name) != w.configPath || event.Op&configOps == 0 {
		return
	}
	log.Debugf("config file event: %s %s", event.Op.String(), event.Name)
	w.scheduleConfigReload()
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
