package watcher

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
)

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(w.debounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadIfChanged()
	})
}

// reloadIfChanged loads and applies the config file when its content hash
// differs from the last applied one.
func (w *Watcher) reloadIfChanged() bool {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("failed to read config file for hash check: %v", err)
		}
		return false
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return false
	}
	newHash := hashOf(data)

	w.mu.RLock()
	currentHash := w.lastConfigHash
	oldConfig := w.config
	w.mu.RUnlock()

	if currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return false
	}
	log.Infof("config file changed, reloading: %s", w.configPath)

	newConfig, err := config.Parse(data)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return false
	}
	if oldConfig != nil {
		for _, d := range changeDetails(oldConfig, newConfig) {
			log.Debugf("config change: %s", d)
		}
	}
	log.SetDebug(newConfig.Debug)

	if w.reload != nil {
		if err := w.reload(newConfig); err != nil {
			log.WithError(err).Error("config reload rejected, keeping previous configuration")
			return false
		}
	}

	w.mu.Lock()
	w.config = newConfig
	w.lastConfigHash = newHash
	w.mu.Unlock()
	log.Infof("config successfully reloaded (%d providers)", len(newConfig.Providers))
	return true
}

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

// changeDetails lists the material differences between two configurations.
func changeDetails(oldCfg, newCfg *config.Config) []string {
	var details []string
	if oldCfg.Debug != newCfg.Debug {
		details = append(details, fmt.Sprintf("debug: %t -> %t", oldCfg.Debug, newCfg.Debug))
	}
	if oldCfg.RequestTimeout != newCfg.RequestTimeout {
		details = append(details, fmt.Sprintf("request-timeout: %s -> %s", oldCfg.RequestTimeout, newCfg.RequestTimeout))
	}
	if oldCfg.ProxyURL != newCfg.ProxyURL {
		details = append(details, "proxy-url changed")
	}
	if oldCfg.Pool != newCfg.Pool {
		details = append(details, "pool settings changed (applied on restart)")
	}
	if len(oldCfg.Models) != len(newCfg.Models) {
		details = append(details, fmt.Sprintf("models: %d -> %d", len(oldCfg.Models), len(newCfg.Models)))
	}

	oldTags, newTags := providerTags(oldCfg), providerTags(newCfg)
	for _, tag := range newTags {
		if !slices.Contains(oldTags, tag) {
			details = append(details, fmt.Sprintf("provider added: %s", tag))
		}
	}
	for _, tag := range oldTags {
		if !slices.Contains(newTags, tag) {
			details = append(details, fmt.Sprintf("provider removed: %s", tag))
		}
	}
	return details
}

func providerTags(cfg *config.Config) []provider.Tag {
	tags := make([]provider.Tag, 0, len(cfg.Providers))
	for _, pc := range cfg.ProviderConfigs() {
		tags = append(tags, pc.ProviderTag())
	}
	return tags
}
