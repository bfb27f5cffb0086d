// Package config loads the relay configuration: provider credentials,
// pool tuning, accounting sinks and the admin listener.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nghyane/llm-relay/internal/embedded"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/registry"
	"github.com/nghyane/llm-relay/internal/stream"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	Debug         bool   `yaml:"debug" json:"debug"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// RequestTimeout bounds each provider call unless the request sets its own.
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout"`

	// ProxyURL is an optional HTTP or SOCKS5 proxy for all outbound requests.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// EnvProviders enables providers from well-known environment variables
	// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) when the file does not list them.
	EnvProviders bool `yaml:"env-providers" json:"env-providers"`

	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
	Usage     UsageConfig     `yaml:"usage" json:"usage"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`

	// Models extends or overrides the built-in model catalog.
	Models []registry.ModelDescriptor `yaml:"models,omitempty" json:"models,omitempty"`

	Providers []ProviderEntry `yaml:"providers,omitempty" json:"providers,omitempty"`

	// Disabled lists providers that were configured but could not be enabled.
	Disabled []DisabledProvider `yaml:"-" json:"disabled,omitempty"`
}

// StreamingConfig tunes incremental decoding of streamed output.
type StreamingConfig struct {
	Reparse stream.ReparsePolicy `yaml:"reparse" json:"reparse"`
}

// PoolConfig tunes the per-host connection pool.
type PoolConfig struct {
	IdleThreshold       time.Duration `yaml:"idle-threshold" json:"idle-threshold"`
	SweepSchedule       string        `yaml:"sweep-schedule" json:"sweep-schedule"`
	MaxIdleConnsPerHost int           `yaml:"max-idle-conns-per-host" json:"max-idle-conns-per-host"`
	IdleConnTimeout     time.Duration `yaml:"idle-conn-timeout" json:"idle-conn-timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls-handshake-timeout" json:"tls-handshake-timeout"`
	DisableHTTP2        bool          `yaml:"disable-http2" json:"disable-http2"`
}

// UsageConfig selects where accounting records go.
type UsageConfig struct {
	QueueSize int              `yaml:"queue-size" json:"queue-size"`
	SQLite    UsagePersistence `yaml:"sqlite" json:"sqlite"`
	Redis     RedisConfig      `yaml:"redis" json:"redis"`
	Metrics   bool             `yaml:"metrics" json:"metrics"`
}

// UsagePersistence defines SQLite persistence settings for usage records.
type UsagePersistence struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DBPath is the filesystem path to the SQLite database file.
	DBPath string `yaml:"db-path" json:"db-path"`

	// BatchSize defines the number of records to batch before writing to database.
	BatchSize int `yaml:"batch-size" json:"batch-size"`

	// FlushInterval defines how often to flush pending writes.
	FlushInterval time.Duration `yaml:"flush-interval" json:"flush-interval"`

	// RetentionDays defines how many days of records to keep before cleanup.
	RetentionDays int `yaml:"retention-days" json:"retention-days"`

	// RetentionSchedule is the cron spec of the cleanup job.
	RetentionSchedule string `yaml:"retention-schedule" json:"retention-schedule"`
}

// RedisConfig publishes usage records into a capped Redis stream.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Stream   string `yaml:"stream" json:"stream"`
	MaxLen   int64  `yaml:"max-len" json:"max-len"`
}

// AdminConfig controls the introspection HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`

	// RequireKey protects the /v1 endpoints with the management key.
	RequireKey bool `yaml:"require-key" json:"require-key"`
}

// DisabledProvider records why a configured provider was skipped.
type DisabledProvider struct {
	Tag    provider.Tag `json:"provider"`
	Reason string       `json:"reason"`
}

// NewDefaultConfig creates a new Config with sensible defaults.
// The relay runs without a config file when providers come from the environment.
func NewDefaultConfig() *Config {
	return &Config{
		RequestTimeout: provider.DefaultTimeout,
		EnvProviders:   true,
		Pool: PoolConfig{
			IdleThreshold:       time.Hour,
			SweepSchedule:       "@every 5m",
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Streaming: StreamingConfig{Reparse: stream.DefaultReparsePolicy()},
		Usage: UsageConfig{
			QueueSize: 1024,
			SQLite: UsagePersistence{
				DBPath:            "$XDG_DATA_HOME/llm-relay/usage.db",
				BatchSize:         100,
				FlushInterval:     5 * time.Second,
				RetentionDays:     30,
				RetentionSchedule: "@daily",
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Stream: "llm-relay:usage",
				MaxLen: 100000,
			},
			Metrics: true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8318",
		},
	}
}

// GenerateDefaultConfigYAML returns the commented template, falling back to
// NewDefaultConfig rendered as YAML.
func GenerateDefaultConfigYAML() []byte {
	if len(embedded.DefaultConfigTemplate) > 0 {
		return append([]byte(nil), embedded.DefaultConfigTemplate...)
	}
	data, err := yaml.Marshal(NewDefaultConfig())
	if err != nil {
		return []byte("request-timeout: 3m0s\nenv-providers: true\n")
	}
	return data
}

// LoadConfig reads a YAML configuration file from the given path.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, the defaults are
// used. Parse errors and unknown provider types always fail.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			data = nil
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = provider.DefaultTimeout
	}
	if c.Pool.IdleThreshold <= 0 {
		c.Pool.IdleThreshold = time.Hour
	}
	if strings.TrimSpace(c.Pool.SweepSchedule) == "" {
		c.Pool.SweepSchedule = "@every 5m"
	}
	if r := c.Streaming.Reparse; r.MinBytes < 0 || r.ExactBelow < 0 || r.Growth < 0 || r.Interval < 0 {
		return fmt.Errorf("streaming.reparse: values must not be negative")
	}
	c.Usage.SQLite.DBPath = ExpandPath(c.Usage.SQLite.DBPath)
	c.LogDir = ExpandPath(c.LogDir)
	c.Usage.Redis.Password = expandEnv(c.Usage.Redis.Password)

	for i := range c.Models {
		if strings.TrimSpace(c.Models[i].ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		for tag := range c.Models[i].Providers {
			if _, err := provider.ParseTag(tag); err != nil {
				return fmt.Errorf("models[%d] (%s): %w", i, c.Models[i].ID, err)
			}
		}
	}

	if c.EnvProviders {
		c.Providers = append(c.Providers, envProviders(c.configuredTags())...)
	}

	seen := make(map[provider.Tag]struct{}, len(c.Providers))
	kept := c.Providers[:0]
	for _, entry := range c.Providers {
		if entry.Config == nil {
			return fmt.Errorf("providers: empty entry")
		}
		tag := entry.Config.ProviderTag()
		if _, dup := seen[tag]; dup {
			return fmt.Errorf("providers: %s configured more than once", tag)
		}
		seen[tag] = struct{}{}

		if n, ok := entry.Config.(normalizer); ok {
			n.normalize()
		}
		if err := entry.Config.Validate(); err != nil {
			if errors.Is(err, ErrMissingCredential) {
				log.WithError(err).WithField("provider", tag).Error("provider disabled")
				c.Disabled = append(c.Disabled, DisabledProvider{Tag: tag, Reason: err.Error()})
				continue
			}
			return fmt.Errorf("providers: %s: %w", tag, err)
		}
		kept = append(kept, entry)
	}
	c.Providers = kept
	return nil
}

func (c *Config) configuredTags() map[provider.Tag]bool {
	tags := make(map[provider.Tag]bool, len(c.Providers))
	for _, e := range c.Providers {
		if e.Config != nil {
			tags[e.Config.ProviderTag()] = true
		}
	}
	return tags
}

// ProviderConfigs returns the enabled provider configurations.
func (c *Config) ProviderConfigs() []provider.ProviderConfig {
	out := make([]provider.ProviderConfig, 0, len(c.Providers))
	for _, e := range c.Providers {
		out = append(out, e.Config)
	}
	return out
}

// Provider returns the enabled configuration for tag.
func (c *Config) Provider(tag provider.Tag) (provider.ProviderConfig, bool) {
	for _, e := range c.Providers {
		if e.Config.ProviderTag() == tag {
			return e.Config, true
		}
	}
	return nil, false
}

// Catalog returns the built-in catalog layered with the configured models.
func (c *Config) Catalog() *registry.Catalog {
	base := registry.DefaultCatalog()
	if len(c.Models) == 0 {
		return base
	}
	extra := make([]*registry.ModelDescriptor, 0, len(c.Models))
	for i := range c.Models {
		m := c.Models[i]
		extra = append(extra, &m)
	}
	return base.With(extra...)
}

// ExpandPath resolves $XDG_* style references, falling back to ~/.local/share
// and ~/.config when the variables are unset.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return os.Expand(p, func(name string) string {
		if v := os.Getenv(name); v != "" {
			return v
		}
		switch name {
		case "XDG_DATA_HOME":
			return home + "/.local/share"
		case "XDG_CONFIG_HOME":
			return home + "/.config"
		case "HOME":
			return home
		}
		return ""
	})
}
