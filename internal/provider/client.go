package provider

import (
	"context"
)

// Client is the uniform contract implemented once per upstream API family.
type Client interface {
	Tag() Tag
	// Generate performs a unary call.
	Generate(ctx context.Context, opts Options, messages []Message) (Output, error)
	// Stream opens a streamed call. Errors before the first byte are
	// returned directly; later failures arrive as a chunk with Err set.
	// The channel closes after the Final chunk or an error chunk.
	Stream(ctx context.Context, opts Options, messages []Message) (<-chan StreamChunk, error)
}

// ProviderConfig is implemented by every configuration variant.
type ProviderConfig interface {
	// ProviderTag is the discriminator of the variant.
	ProviderTag() Tag
	// AllowedModels restricts the catalog models served; empty means all.
	AllowedModels() []string
	// Validate checks required credentials.
	Validate() error
}
