package registry

import "sync"

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		defaultCatalog = NewCatalog(builtinModels()...)
	})
	return defaultCatalog
}

var (
	gptCaps = Capabilities{
		JSONMode: true, StructuredOutput: true, ImageInput: true, PDFInput: true,
		SystemMessages: true, Tools: true,
	}
	oSeriesCaps = Capabilities{
		JSONMode: true, StructuredOutput: true, ImageInput: true, PDFInput: true,
		SystemMessages: true, Tools: true, Reasoning: true,
	}
	claudeCaps = Capabilities{
		JSONMode: true, ImageInput: true, PDFInput: true, SystemMessages: true, Tools: true,
	}
	geminiCaps = Capabilities{
		JSONMode: true, StructuredOutput: true, ImageInput: true, AudioInput: true, PDFInput: true,
		SystemMessages: true, Tools: true,
	}
	openWeightCaps = Capabilities{
		JSONMode: true, SystemMessages: true, Tools: true,
	}
)

func builtinModels() []*ModelDescriptor {
	thinking := func(c Capabilities) Capabilities {
		c.Reasoning = true
		return c
	}
	return []*ModelDescriptor{
		{
			ID: "gpt-4o-2024-11-20", DisplayName: "GPT-4o (2024-11-20)", Capabilities: gptCaps, MaxOutputTokens: 16384,
			Providers: map[string]string{"openai": "gpt-4o-2024-11-20", "azure_openai": "gpt-4o-2024-11-20"},
		},
		{
			ID: "gpt-4o-mini-2024-07-18", DisplayName: "GPT-4o mini", Capabilities: gptCaps, MaxOutputTokens: 16384,
			Providers: map[string]string{"openai": "gpt-4o-mini-2024-07-18", "azure_openai": "gpt-4o-mini-2024-07-18"},
		},
		{
			ID: "gpt-4.1-2025-04-14", DisplayName: "GPT-4.1", Capabilities: gptCaps, MaxOutputTokens: 32768,
			Providers: map[string]string{"openai": "gpt-4.1-2025-04-14", "azure_openai": "gpt-4.1-2025-04-14"},
		},
		{
			ID: "o3-2025-04-16", DisplayName: "o3", Capabilities: oSeriesCaps, MaxOutputTokens: 100000,
			Providers: map[string]string{"openai": "o3-2025-04-16", "azure_openai": "o3-2025-04-16"},
		},
		{
			ID: "o4-mini-2025-04-16", DisplayName: "o4-mini", Capabilities: oSeriesCaps, MaxOutputTokens: 100000,
			Providers: map[string]string{"openai": "o4-mini-2025-04-16", "azure_openai": "o4-mini-2025-04-16"},
		},
		{
			ID: "claude-3-7-sonnet-20250219", DisplayName: "Claude 3.7 Sonnet", Capabilities: thinking(claudeCaps), MaxOutputTokens: 64000,
			Providers: map[string]string{
				"anthropic":      "claude-3-7-sonnet-20250219",
				"amazon_bedrock": "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
			},
		},
		{
			ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Capabilities: thinking(claudeCaps), MaxOutputTokens: 64000,
			Providers: map[string]string{
				"anthropic":      "claude-sonnet-4-20250514",
				"amazon_bedrock": "us.anthropic.claude-sonnet-4-20250514-v1:0",
			},
		},
		{
			ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Capabilities: claudeCaps, MaxOutputTokens: 8192,
			Providers: map[string]string{
				"anthropic":      "claude-3-5-haiku-20241022",
				"amazon_bedrock": "us.anthropic.claude-3-5-haiku-20241022-v1:0",
			},
		},
		{
			ID: "gemini-2.0-flash-001", DisplayName: "Gemini 2.0 Flash", Capabilities: geminiCaps, MaxOutputTokens: 8192,
			Providers: map[string]string{"google_gemini": "gemini-2.0-flash-001", "google": "gemini-2.0-flash-001"},
		},
		{
			ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", Capabilities: thinking(geminiCaps), MaxOutputTokens: 65536,
			Providers: map[string]string{"google_gemini": "gemini-2.5-flash", "google": "gemini-2.5-flash"},
		},
		{
			ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Capabilities: thinking(geminiCaps), MaxOutputTokens: 65536,
			Providers: map[string]string{"google_gemini": "gemini-2.5-pro", "google": "gemini-2.5-pro"},
		},
		{
			ID: "llama-3.3-70b", DisplayName: "Llama 3.3 70B", Capabilities: openWeightCaps, MaxOutputTokens: 32768,
			Providers: map[string]string{
				"groq":           "llama-3.3-70b-versatile",
				"amazon_bedrock": "us.meta.llama3-3-70b-instruct-v1:0",
			},
		},
		{
			ID: "llama-4-maverick", DisplayName: "Llama 4 Maverick", Capabilities: openWeightCaps, MaxOutputTokens: 8192,
			Providers: map[string]string{
				"groq":           "meta-llama/llama-4-maverick-17b-128e-instruct",
				"amazon_bedrock": "us.meta.llama4-maverick-17b-instruct-v1:0",
			},
		},
		{
			ID: "mistral-large-2411", DisplayName: "Mistral Large", Capabilities: openWeightCaps, MaxOutputTokens: 32768,
			Providers: map[string]string{"mistral_ai": "mistral-large-2411"},
		},
		{
			ID: "mistral-small-2503", DisplayName: "Mistral Small 3.1", Capabilities: gptCaps, MaxOutputTokens: 32768,
			Providers: map[string]string{"mistral_ai": "mistral-small-2503"},
		},
		{
			ID: "grok-3", DisplayName: "Grok 3", Capabilities: openWeightCaps, MaxOutputTokens: 32768,
			Providers: map[string]string{"x_ai": "grok-3"},
		},
		{
			ID: "grok-3-mini", DisplayName: "Grok 3 Mini", Capabilities: thinking(openWeightCaps), MaxOutputTokens: 32768,
			Providers: map[string]string{"x_ai": "grok-3-mini"},
		},
	}
}
