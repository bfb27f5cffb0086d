// Package api serves the relay's admin and introspection endpoints: health,
// Prometheus metrics, configured providers, the (provider, model) pairs the
// factory accepts, orchestrator stats, pool state and persisted usage.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/usage"
)

// PoolInspector is the read side of the connection pool plus host eviction.
type PoolInspector interface {
	Hosts() map[string]time.Time
	Created() int64
	ReleaseHost(host string)
}

// UsageSummarizer aggregates persisted accounting records.
type UsageSummarizer interface {
	Summary(ctx context.Context, since time.Time) ([]usage.SummaryRow, error)
}

// Deps are the components the admin endpoints read from. Pool, Usage and
// Gatherer are optional.
type Deps struct {
	Manager  *provider.Manager
	Pool     PoolInspector
	Usage    UsageSummarizer
	Gatherer prometheus.Gatherer
}

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	managementKey      func() string
	keepAliveEnabled   bool
	keepAliveTimeout   time.Duration
	keepAliveOnTimeout func()
}

// ServerOption customises server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends Gin middleware after logging and recovery.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithManagementKey overrides where the admin key is read from. The default
// reads config.LoadCredentials on every request so a rotated key applies
// without restart.
func WithManagementKey(fn func() string) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.managementKey = fn
	}
}

// WithKeepAliveEndpoint enables GET /keep-alive; onTimeout runs once when no
// heartbeat arrives within timeout.
func WithKeepAliveEndpoint(timeout time.Duration, onTimeout func()) ServerOption {
	return func(cfg *serverOptionConfig) {
		if timeout <= 0 || onTimeout == nil {
			return
		}
		cfg.keepAliveEnabled = true
		cfg.keepAliveTimeout = timeout
		cfg.keepAliveOnTimeout = onTimeout
	}
}

// Server is the admin HTTP server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	deps   Deps

	cfgMu sync.RWMutex
	cfg   *config.Config

	managementKey func() string
	attemptsMu    sync.Mutex
	failed        map[string]*attemptInfo

	keepAlive *keepAlive
}

// NewServer builds the engine and registers routes. Start serves on
// cfg.Admin.Listen.
func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{managementKey: storedManagementKey}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogger())
	engine.Use(logging.GinRecovery())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s := &Server{
		engine:        engine,
		deps:          deps,
		cfg:           cfg,
		managementKey: optionState.managementKey,
		failed:        make(map[string]*attemptInfo),
	}
	s.setupRoutes()

	if optionState.keepAliveEnabled {
		s.enableKeepAlive(optionState.keepAliveTimeout, optionState.keepAliveOnTimeout)
	}

	s.server = &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves; it blocks until Stop or a listener failure.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start admin server: server not initialized")
	}
	logging.Infof("admin server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	logging.Debug("stopping admin server")
	if s.keepAlive != nil {
		s.keepAlive.close()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

// UpdateConfig swaps the configuration the handlers report from.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func storedManagementKey() string {
	creds, err := config.LoadCredentials()
	if err != nil {
		logging.WithError(err).Warn("failed to load admin credentials")
		return ""
	}
	if creds == nil {
		return ""
	}
	return creds.ManagementKey
}
