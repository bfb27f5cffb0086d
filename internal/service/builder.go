// Package service wires the relay together: configuration, the connection
// pool, accounting sinks, the provider factory and orchestrator, config hot
// reload and the admin server.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nghyane/llm-relay/internal/api"
	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/runtime/executor"
	"github.com/nghyane/llm-relay/internal/usage"
)

// Builder constructs a Service.
type Builder struct {
	cfg            *config.Config
	configPath     string
	hooks          Hooks
	plugins        []usage.Plugin
	registry       *prometheus.Registry
	watcherFactory WatcherFactory
	serverOptions  []api.ServerOption
}

// Hooks allows callers to plug into service lifecycle stages.
type Hooks struct {
	// OnBeforeStart runs before the pool sweep, watcher and admin server start.
	OnBeforeStart func(*config.Config)
	// OnAfterStart runs once everything is started.
	OnAfterStart func(*Service)
	// OnReload runs after a reloaded configuration has been applied.
	OnReload func(*config.Config)
}

// NewBuilder creates a Builder with default dependencies left unset.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration instance used by the service.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithConfigPath enables hot reload of the file at path.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithHooks registers lifecycle hooks.
func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = h
	return b
}

// WithUsagePlugin adds an accounting sink next to the configured ones.
func (b *Builder) WithUsagePlugin(p usage.Plugin) *Builder {
	b.plugins = append(b.plugins, p)
	return b
}

// WithPrometheusRegistry sets the registry metrics are registered on and
// /metrics serves. The default is a fresh registry with the Go and process
// collectors.
func (b *Builder) WithPrometheusRegistry(reg *prometheus.Registry) *Builder {
	b.registry = reg
	return b
}

// WithWatcherFactory allows customizing the watcher that handles reloads.
func (b *Builder) WithWatcherFactory(factory WatcherFactory) *Builder {
	b.watcherFactory = factory
	return b
}

// WithServerOptions appends admin server options.
func (b *Builder) WithServerOptions(opts ...api.ServerOption) *Builder {
	b.serverOptions = append(b.serverOptions, opts...)
	return b
}

// Build validates inputs and assembles every component. Nothing runs in the
// background until Start.
func (b *Builder) Build() (*Service, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("llm-relay: configuration is required")
	}

	reg := b.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	watcherFactory := b.watcherFactory
	if watcherFactory == nil {
		watcherFactory = defaultWatcherFactory
	}

	s := &Service{
		cfg:            b.cfg,
		configPath:     b.configPath,
		hooks:          b.hooks,
		registry:       reg,
		watcherFactory: watcherFactory,
		serverOptions:  append([]api.ServerOption(nil), b.serverOptions...),
	}

	s.pool = executor.NewPool(poolOptions(b.cfg))

	if err := s.buildSinks(b.plugins); err != nil {
		s.pool.Stop()
		return nil, err
	}

	factory, err := s.buildFactory(b.cfg)
	if err != nil {
		s.stopSinks()
		s.pool.Stop()
		return nil, err
	}
	s.manager = provider.NewManager(factory)
	return s, nil
}

func poolOptions(cfg *config.Config) executor.PoolOptions {
	return executor.PoolOptions{
		IdleThreshold: cfg.Pool.IdleThreshold,
		SweepSchedule: cfg.Pool.SweepSchedule,
		ProxyURL:      cfg.ProxyURL,
		Transport: executor.TransportConfig{
			MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
			TLSHandshakeTimeout: cfg.Pool.TLSHandshakeTimeout,
			DisableHTTP2:        cfg.Pool.DisableHTTP2,
		},
	}
}

// buildSinks starts the accounting dispatcher with the sinks cfg enables.
// An unreachable Redis is logged and skipped; a broken SQLite path fails.
func (s *Service) buildSinks(extra []usage.Plugin) error {
	cfg := s.cfg.Usage
	s.dispatcher = usage.NewDispatcher(cfg.QueueSize)

	if cfg.Metrics {
		s.dispatcher.Register(usage.NewMetrics(s.registry))
	}
	if cfg.SQLite.Enabled {
		p, err := usage.NewPersister(cfg.SQLite.DBPath, usage.PersisterOptions{
			BatchSize:         cfg.SQLite.BatchSize,
			FlushInterval:     cfg.SQLite.FlushInterval,
			RetentionDays:     cfg.SQLite.RetentionDays,
			RetentionSchedule: cfg.SQLite.RetentionSchedule,
		})
		if err != nil {
			s.dispatcher.Stop()
			return fmt.Errorf("llm-relay: usage persistence: %w", err)
		}
		s.persister = p
		s.dispatcher.Register(p)
		log.Infof("usage persistence enabled: %s", p.DBPath())
	}
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rp, err := usage.NewRedisPublisher(ctx, usage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		cancel()
		if err != nil {
			log.WithError(err).Warn("usage redis stream disabled")
		} else {
			s.redis = rp
			s.dispatcher.Register(rp)
		}
	}
	for _, p := range extra {
		s.dispatcher.Register(p)
	}
	return nil
}

// buildFactory creates one client per enabled provider and indexes them.
// A provider whose client cannot be built is logged and left out.
func (s *Service) buildFactory(cfg *config.Config) (*provider.Factory, error) {
	deps := executor.Deps{
		Pool:      s.pool,
		Publisher: s.dispatcher,
		Timeout:   cfg.RequestTimeout,
		Reparse:   cfg.Streaming.Reparse,
	}
	entries, errs := executor.NewEntries(cfg.ProviderConfigs(), deps)
	for _, err := range errs {
		log.WithError(err).Error("provider client not created")
	}
	factory, err := provider.NewFactory(cfg.Catalog(), entries...)
	if err != nil {
		return nil, fmt.Errorf("llm-relay: provider factory: %w", err)
	}

	counts := make(map[provider.Tag]int)
	for _, p := range factory.ListAllProviderModelPairs() {
		counts[p.Provider]++
	}
	for _, tag := range factory.Tags() {
		log.WithFields(log.Fields{"provider": tag, "models": counts[tag]}).Info("provider registered")
	}
	if len(factory.Tags()) == 0 {
		log.Warn("no providers configured; set provider API keys in the config file or environment")
	}
	return factory, nil
}
