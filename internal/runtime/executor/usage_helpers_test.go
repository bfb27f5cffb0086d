package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
)

func TestUsageReporterPublishesOnce(t *testing.T) {
	rec := &recorder{}
	opts := provider.Options{Model: "gpt-4o", UpstreamModel: "gpt-4o-2024-08-06", TenantID: "t1"}
	r := newUsageReporter(rec, provider.TagOpenAI, opts, []provider.Message{{Role: provider.RoleUser, Text: "hi"}}, true)

	first := r.finish(context.Background(), stream.Completion{
		Text:     "hello",
		Usage:    usage.Tokens{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		HasUsage: true,
	}, nil)
	second := r.finish(context.Background(), stream.Completion{}, errors.New("late"))

	if first == nil || second != nil {
		t.Fatalf("finish returned %v, %v", first, second)
	}
	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("published %d records, want 1", len(records))
	}
	got := records[0]
	if got.Model != "gpt-4o" || got.UpstreamModel != "gpt-4o-2024-08-06" || got.TenantID != "t1" || !got.Streamed {
		t.Errorf("record = %+v", got)
	}
	if got.Tokens.TotalTokens != 7 || got.Tokens.Estimated {
		t.Errorf("tokens = %+v", got.Tokens)
	}
	if got.ID == "" || got.RequestedAt.IsZero() {
		t.Error("record id or timestamp missing")
	}
}

func TestUsageReporterEstimatesWithoutUpstreamUsage(t *testing.T) {
	rec := &recorder{}
	r := newUsageReporter(rec, provider.TagMistral, provider.Options{Model: "mistral-large-latest"},
		[]provider.Message{{Role: provider.RoleUser, Text: "count these words please"}}, false)
	r.finish(context.Background(), stream.Completion{Text: "four more words here"}, nil)

	got := rec.all()[0].Tokens
	if !got.Estimated || got.PromptTokens == 0 || got.CompletionTokens == 0 {
		t.Errorf("tokens = %+v", got)
	}
	if got.TotalTokens != got.PromptTokens+got.CompletionTokens {
		t.Errorf("total not normalized: %+v", got)
	}
}

func TestUsageReporterFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&provider.Error{Kind: provider.KindRateLimited}, "rate_limited"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "provider_unavailable"},
	}
	for _, tt := range tests {
		rec := &recorder{}
		r := newUsageReporter(rec, provider.TagGroq, provider.Options{Model: "m"}, nil, false)
		r.finish(context.Background(), stream.Completion{}, tt.err)
		got := rec.all()[0]
		if !got.Failed || got.ErrorKind != tt.want {
			t.Errorf("%v: failed=%v kind=%q, want %q", tt.err, got.Failed, got.ErrorKind, tt.want)
		}
		if !got.Tokens.IsZero() {
			t.Errorf("%v: failed call without output should carry no tokens, got %+v", tt.err, got.Tokens)
		}
	}
}

func TestNewClientVariants(t *testing.T) {
	deps := Deps{Pool: NewPool(PoolOptions{})}
	defer deps.Pool.Stop()

	cfgs := []provider.ProviderConfig{
		&config.OpenAIConfig{APIKey: "k"},
		&config.AzureOpenAIConfig{Common: config.Common{BaseURL: "https://x.openai.azure.com"}, APIKey: "k"},
		&config.AnthropicConfig{APIKey: "k"},
		&config.BedrockConfig{Region: "us-east-1", AccessKeyID: "a", SecretAccessKey: "s"},
		&config.GeminiConfig{APIKey: "k"},
		&config.VertexConfig{ProjectID: "p", ServiceAccountJSON: "{}"},
		&config.GroqConfig{APIKey: "k"},
		&config.MistralConfig{APIKey: "k"},
		&config.XAIConfig{APIKey: "k"},
	}
	for _, cfg := range cfgs {
		client, err := NewClient(cfg, deps)
		if err != nil {
			t.Fatalf("%s: %v", cfg.ProviderTag(), err)
		}
		if client.Tag() != cfg.ProviderTag() {
			t.Errorf("client tag %s for config %s", client.Tag(), cfg.ProviderTag())
		}
	}

	entries, errs := NewEntries(cfgs, deps)
	if len(entries) != len(cfgs) || len(errs) != 0 {
		t.Errorf("NewEntries = %d entries, %v", len(entries), errs)
	}
	if _, err := provider.NewFactory(nil, entries...); err != nil {
		t.Errorf("NewFactory: %v", err)
	}
}

func TestNewClientUnknownConfig(t *testing.T) {
	_, err := NewClient(nil, Deps{})
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("nil config: %v", err)
	}
}
