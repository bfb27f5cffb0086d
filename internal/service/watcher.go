package service

import (
	"context"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/watcher"
)

// WatcherFactory creates the config watcher for path.
type WatcherFactory func(path string, reload watcher.ReloadFunc) (*WatcherWrapper, error)

// WatcherWrapper exposes the watcher operations the service needs.
type WatcherWrapper struct {
	start     func(ctx context.Context) error
	stop      func() error
	setConfig func(cfg *config.Config)
}

func (w *WatcherWrapper) Start(ctx context.Context) error {
	if w == nil || w.start == nil {
		return nil
	}
	return w.start(ctx)
}

func (w *WatcherWrapper) Stop() error {
	if w == nil || w.stop == nil {
		return nil
	}
	return w.stop()
}

func (w *WatcherWrapper) SetConfig(cfg *config.Config) {
	if w == nil || w.setConfig == nil {
		return
	}
	w.setConfig(cfg)
}

func defaultWatcherFactory(path string, reload watcher.ReloadFunc) (*WatcherWrapper, error) {
	w, err := watcher.NewWatcher(path, reload)
	if err != nil {
		return nil, err
	}
	return &WatcherWrapper{
		start:     w.Start,
		stop:      w.Stop,
		setConfig: w.SetConfig,
	}, nil
}
