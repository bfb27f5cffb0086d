// Package usage carries the per-call accounting record published after every
// provider call and the sinks that consume it (SQLite, Redis, Prometheus).
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tokens is the token breakdown of one call.
type Tokens struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens,omitempty"`
	CachedTokens     int64 `json:"cached_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens"`

	// Estimated is set when the upstream did not report usage and the counts
	// were computed locally.
	Estimated bool `json:"estimated,omitempty"`
}

// Normalize fills TotalTokens when the upstream left it out.
func (t Tokens) Normalize() Tokens {
	if t.TotalTokens == 0 {
		t.TotalTokens = t.PromptTokens + t.CompletionTokens + t.ReasoningTokens
	}
	return t
}

// IsZero reports whether no counts were recorded.
func (t Tokens) IsZero() bool {
	return t.PromptTokens == 0 && t.CompletionTokens == 0 && t.ReasoningTokens == 0 && t.TotalTokens == 0
}

// Record is the accounting entry for one provider call.
type Record struct {
	ID             string    `json:"id"`
	Model          string    `json:"model"`
	UpstreamModel  string    `json:"upstream_model,omitempty"`
	Provider       string    `json:"provider"`
	TenantID       string    `json:"tenant_id,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Streamed       bool      `json:"streamed"`
	Failed         bool      `json:"failed"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Tokens         Tokens    `json:"tokens"`
}

// NewRecord starts a record for a call that begins now.
func NewRecord(provider, model, upstreamModel, tenantID string, streamed bool) Record {
	return Record{
		ID:            uuid.NewString(),
		Model:         model,
		UpstreamModel: upstreamModel,
		Provider:      provider,
		TenantID:      tenantID,
		RequestedAt:   time.Now(),
		Streamed:      streamed,
	}
}

// Publisher receives accounting records. Implementations must not block the
// caller for long; the Dispatcher is the usual entry point.
type Publisher interface {
	Publish(ctx context.Context, record Record)
}

// Plugin is a sink fed by the Dispatcher.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, record Record)

func (f PublisherFunc) Publish(ctx context.Context, record Record) { f(ctx, record) }

// Discard drops every record.
var Discard Publisher = PublisherFunc(func(context.Context, Record) {})
