package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nghyane/llm-relay/internal/api"
	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/runtime/executor"
	"github.com/nghyane/llm-relay/internal/usage"
)

// Service owns the relay's long-lived components.
type Service struct {
	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string
	hooks      Hooks

	pool       *executor.Pool
	dispatcher *usage.Dispatcher
	persister  *usage.Persister
	redis      *usage.RedisPublisher
	registry   *prometheus.Registry
	manager    *provider.Manager

	watcherFactory WatcherFactory
	watcher        *WatcherWrapper
	watcherCancel  context.CancelFunc

	serverOptions []api.ServerOption
	server        *api.Server
	serverErr     chan error

	startOnce    sync.Once
	startErr     error
	shutdownOnce sync.Once
}

// Manager returns the execution orchestrator.
func (s *Service) Manager() *provider.Manager { return s.manager }

// Pool returns the shared connection pool.
func (s *Service) Pool() *executor.Pool { return s.pool }

// Persister returns the SQLite accounting store, or nil when disabled.
func (s *Service) Persister() *usage.Persister { return s.persister }

// Registry returns the Prometheus registry the metrics sink writes to.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// RegisterUsagePlugin adds an accounting sink at runtime.
func (s *Service) RegisterUsagePlugin(p usage.Plugin) {
	s.dispatcher.Register(p)
}

// Start launches the pool sweep and, when a config path is set, the config
// watcher. It does not start the admin server; Run does.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Service) start(ctx context.Context) error {
	if s.hooks.OnBeforeStart != nil {
		s.hooks.OnBeforeStart(s.Config())
	}
	if err := s.pool.Start(); err != nil {
		return err
	}
	if s.configPath == "" {
		return nil
	}

	w, err := s.watcherFactory(s.configPath, s.Reload)
	if err != nil {
		return fmt.Errorf("llm-relay: failed to create watcher: %w", err)
	}
	w.SetConfig(s.Config())
	watcherCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(watcherCtx); err != nil {
		cancel()
		return fmt.Errorf("llm-relay: failed to start watcher: %w", err)
	}
	s.watcher = w
	s.watcherCancel = cancel
	log.Info("config watcher started")
	return nil
}

// Run starts everything, serves the admin API when enabled, and blocks until
// ctx is cancelled or the admin server fails.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("llm-relay: service is nil")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Errorf("service shutdown returned error: %v", err)
		}
	}()

	var srv *api.Server
	cfg := s.Config()
	if cfg.Admin.Enabled {
		var summarizer api.UsageSummarizer
		if s.persister != nil {
			summarizer = s.persister
		}
		srv = api.NewServer(cfg, api.Deps{
			Manager:  s.manager,
			Pool:     s.pool,
			Usage:    summarizer,
			Gatherer: s.registry,
		}, s.serverOptions...)
		s.cfgMu.Lock()
		s.server = srv
		s.cfgMu.Unlock()
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	s.serverErr = make(chan error, 1)
	if srv != nil {
		go func() {
			s.serverErr <- srv.Start()
		}()
	}

	if s.hooks.OnAfterStart != nil {
		s.hooks.OnAfterStart(s)
	}

	select {
	case <-ctx.Done():
		log.Debug("service context cancelled, shutting down")
		return nil
	case err := <-s.serverErr:
		return err
	}
}

// Reload rebuilds every provider client from cfg and swaps the factory.
// In-flight calls finish on the factory they resolved. Pool settings are
// fixed for the life of the process.
func (s *Service) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("llm-relay: nil configuration")
	}
	factory, err := s.buildFactory(cfg)
	if err != nil {
		return err
	}

	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	srv := s.server
	s.cfgMu.Unlock()

	s.manager.SetFactory(factory)
	log.SetDebug(cfg.Debug)
	if old == nil || old.LoggingToFile != cfg.LoggingToFile || old.LogDir != cfg.LogDir {
		if err := log.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
			log.Errorf("failed to reconfigure log output: %v", err)
		}
	}
	if srv != nil {
		srv.UpdateConfig(cfg)
	}
	if s.hooks.OnReload != nil {
		s.hooks.OnReload(cfg)
	}
	log.Infof("provider factory rebuilt: %d providers", len(factory.Tags()))
	return nil
}

// Shutdown stops the admin server, the watcher, the pool sweep, and drains
// the accounting sinks. It is idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.watcherCancel != nil {
			s.watcherCancel()
		}
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				log.Errorf("failed to stop config watcher: %v", err)
				shutdownErr = err
			}
		}
		s.cfgMu.RLock()
		srv := s.server
		s.cfgMu.RUnlock()
		if srv != nil {
			if err := srv.Stop(ctx); err != nil {
				log.Errorf("error stopping admin server: %v", err)
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
		s.pool.Stop()
		s.stopSinks()
	})
	return shutdownErr
}

// stopSinks drains the dispatcher before closing the sinks it feeds.
func (s *Service) stopSinks() {
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.persister != nil {
		if err := s.persister.Stop(); err != nil {
			log.Warnf("failed to stop usage persistence: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warnf("failed to close usage redis client: %v", err)
		}
	}
}
