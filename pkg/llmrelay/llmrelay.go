// Package llmrelay is the public API for embedding llm-relay as a library.
// It wraps the internal service with a small, stable surface.
package llmrelay

import (
	"context"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/service"
	"github.com/nghyane/llm-relay/internal/usage"
)

// Service owns the connection pool, usage sinks and provider factory.
type Service = service.Service

// Builder constructs a Service.
type Builder = service.Builder

// Hooks plug into service lifecycle stages.
type Hooks = service.Hooks

// Config is the application configuration.
type Config = config.Config

// Manager runs calls against ranked candidates with fallback.
type Manager = provider.Manager

type (
	Options       = provider.Options
	Message       = provider.Message
	File          = provider.File
	Tool          = provider.Tool
	ToolCall      = provider.ToolCall
	ToolResult    = provider.ToolResult
	Output        = provider.Output
	StreamChunk   = provider.StreamChunk
	ProviderTag   = provider.Tag
	ProviderError = provider.Error
	ErrorKind     = provider.Kind
	UsageRecord   = usage.Record
	UsagePlugin   = usage.Plugin
)

const (
	RoleSystem    = provider.RoleSystem
	RoleUser      = provider.RoleUser
	RoleAssistant = provider.RoleAssistant
	RoleTool      = provider.RoleTool
)

// NewBuilder creates a service builder with default dependencies.
func NewBuilder() *Builder {
	return service.NewBuilder()
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return config.NewDefaultConfig()
}

// LoadConfig loads configuration from path.
func LoadConfig(path string) (*Config, error) {
	return config.LoadConfig(path)
}

// ParseProviderTag validates a provider tag such as "openai" or "amazon_bedrock".
func ParseProviderTag(s string) (ProviderTag, error) {
	return provider.ParseTag(s)
}

// IsRetryable reports whether err would make the orchestrator try the next candidate.
func IsRetryable(err error) bool {
	return provider.IsRetryable(err)
}

// Execute runs one call through the service's fallback chain. An empty
// explicit tag lets the factory rank every provider that serves model.
func Execute(ctx context.Context, svc *Service, opts Options, messages []Message, explicit ProviderTag) (Output, error) {
	return svc.Manager().Execute(ctx, opts.Model, opts, messages, explicit)
}

// Stream is the streaming form of Execute.
func Stream(ctx context.Context, svc *Service, opts Options, messages []Message, explicit ProviderTag) (<-chan StreamChunk, error) {
	return svc.Manager().ExecuteStream(ctx, opts.Model, opts, messages, explicit)
}

// Run builds a service from cfg and runs it until ctx is done.
func Run(ctx context.Context, cfg *Config) error {
	svc, err := NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
