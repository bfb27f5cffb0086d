package executor

import (
	"fmt"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/provider"
)

var (
	_ provider.Client = (*OpenAIClient)(nil)
	_ provider.Client = (*AnthropicClient)(nil)
	_ provider.Client = (*GeminiClient)(nil)
	_ provider.Client = (*BedrockClient)(nil)
)

// NewClient builds the client for one configuration variant.
func NewClient(cfg provider.ProviderConfig, deps Deps) (provider.Client, error) {
	switch c := cfg.(type) {
	case *config.OpenAIConfig:
		return NewOpenAIClient(c, deps), nil
	case *config.AzureOpenAIConfig:
		return NewAzureOpenAIClient(c, deps), nil
	case *config.AnthropicConfig:
		return NewAnthropicClient(c, deps), nil
	case *config.BedrockConfig:
		return NewBedrockClient(c, deps), nil
	case *config.GeminiConfig:
		return NewGeminiClient(c, deps), nil
	case *config.VertexConfig:
		return NewVertexClient(c, deps), nil
	case *config.GroqConfig:
		return NewGroqClient(c, deps), nil
	case *config.MistralConfig:
		return NewMistralClient(c, deps), nil
	case *config.XAIConfig:
		return NewXAIClient(c, deps), nil
	case nil:
		return nil, &provider.Error{Kind: provider.KindUnknownProvider, Message: "nil provider config"}
	}
	return nil, &provider.Error{
		Kind:     provider.KindUnknownProvider,
		Provider: cfg.ProviderTag(),
		Message:  fmt.Sprintf("no client for config type %T", cfg),
	}
}

// NewEntries builds factory entries for every config. Configs that fail to
// build are skipped and reported in the returned error list.
func NewEntries(cfgs []provider.ProviderConfig, deps Deps) ([]provider.Entry, []error) {
	entries := make([]provider.Entry, 0, len(cfgs))
	var errs []error
	for _, cfg := range cfgs {
		client, err := NewClient(cfg, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, provider.Entry{Client: client, Config: cfg})
	}
	return entries, errs
}
