package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "ANTHROPIC_API_KEY",
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_CLOUD_PROJECT", "GROQ_API_KEY", "MISTRAL_API_KEY", "XAI_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

// ==================== Load Tests ====================

func TestParseProviderVariants(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-123")

	cfg, err := Parse([]byte(`
request-timeout: 90s
providers:
  - type: openai
    api-key: sk-openai
    models: [gpt-4o-2024-11-20]
  - type: azure
    api-key: az-key
    endpoint: https://example.openai.azure.com/
    deployments:
      gpt-4o-2024-11-20: prod-gpt4o
  - type: anthropic
    api-key: ${TEST_ANTHROPIC_KEY}
  - type: bedrock
    region: us-west-2
    access-key-id: AKIA
    secret-access-key: secret
    regions:
      claude-sonnet-4-20250514: us-east-1
  - type: vertex
    project-id: my-project
    service-account-json: '{"type":"service_account"}'
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RequestTimeout != 90*time.Second {
		t.Errorf("request-timeout = %s", cfg.RequestTimeout)
	}
	if len(cfg.Providers) != 5 {
		t.Fatalf("got %d providers", len(cfg.Providers))
	}

	oa, ok := cfg.Providers[0].Config.(*OpenAIConfig)
	if !ok || oa.APIKey != "sk-openai" || len(oa.AllowedModels()) != 1 {
		t.Errorf("openai = %#v", cfg.Providers[0].Config)
	}
	az := cfg.Providers[1].Config.(*AzureOpenAIConfig)
	if az.BaseURL != "https://example.openai.azure.com" || az.APIVersion != DefaultAzureAPIVersion {
		t.Errorf("azure = %#v", az)
	}
	if az.Deployment("gpt-4o-2024-11-20") != "prod-gpt4o" || az.Deployment("other") != "other" {
		t.Error("azure deployment mapping")
	}
	an := cfg.Providers[2].Config.(*AnthropicConfig)
	if an.APIKey != "sk-ant-123" || an.Version != DefaultAnthropicVersion {
		t.Errorf("anthropic = %#v", an)
	}
	br := cfg.Providers[3].Config.(*BedrockConfig)
	if br.RegionFor("claude-sonnet-4-20250514") != "us-east-1" || br.RegionFor("x") != "us-west-2" {
		t.Error("bedrock region mapping")
	}
	vx := cfg.Providers[4].Config.(*VertexConfig)
	if vx.ProviderTag() != provider.TagGoogle || vx.Location != "us-central1" {
		t.Errorf("vertex = %#v", vx)
	}
	if pc, ok := cfg.Provider(provider.TagBedrock); !ok || pc.ProviderTag() != provider.TagBedrock {
		t.Error("Provider lookup")
	}
}

func TestParseUnknownTypeFails(t *testing.T) {
	clearProviderEnv(t)
	_, err := Parse([]byte("providers:\n  - type: cohere\n    api-key: x\n"))
	if err == nil || !strings.Contains(err.Error(), "cohere") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseMissingTypeFails(t *testing.T) {
	clearProviderEnv(t)
	if _, err := Parse([]byte("providers:\n  - api-key: x\n")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseMalformedEntryFails(t *testing.T) {
	clearProviderEnv(t)
	tests := map[string]string{
		"bad base url":    "providers:\n  - type: openai\n    api-key: k\n    base-url: not a url\n",
		"no region":       "providers:\n  - type: bedrock\n    access-key-id: a\n    secret-access-key: b\n",
		"duplicate":       "providers:\n  - type: groq\n    api-key: a\n  - type: groq\n    api-key: b\n",
		"bad model tag":   "models:\n  - id: custom\n    providers: {cohere: x}\n",
		"wrong yaml type": "providers:\n  - type: openai\n    models: 5\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMissingCredentialDisablesOnlyThatProvider(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Parse([]byte(`
providers:
  - type: groq
    api-key: ${UNSET_GROQ_KEY_FOR_TEST}
  - type: mistral
    api-key: m-key
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Config.ProviderTag() != provider.TagMistral {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if len(cfg.Disabled) != 1 || cfg.Disabled[0].Tag != provider.TagGroq {
		t.Fatalf("disabled = %+v", cfg.Disabled)
	}
}

func TestEnvProviders(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("XAI_API_KEY", "env-xai")

	cfg, err := Parse([]byte("providers:\n  - type: openai\n    api-key: file-openai\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d", len(cfg.Providers))
	}
	oa := cfg.Providers[0].Config.(*OpenAIConfig)
	if oa.APIKey != "file-openai" {
		t.Error("file configuration must win over the environment")
	}
	if _, ok := cfg.Provider(provider.TagXAI); !ok {
		t.Error("XAI_API_KEY should enable x_ai")
	}

	off, err := Parse([]byte("env-providers: false\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(off.Providers) != 0 {
		t.Error("env-providers: false must ignore the environment")
	}
}

func TestLoadConfigOptional(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.RequestTimeout != provider.DefaultTimeout || cfg.Pool.IdleThreshold != time.Hour {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig must fail on a missing file")
	}
}

func TestCatalogIncludesCustomModels(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Parse([]byte(`
models:
  - id: acme-large
    max-output-tokens: 4096
    providers:
      openai: acme-large-2025
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, ok := cfg.Catalog().Lookup("acme-large")
	if !ok || m.UpstreamID("openai") != "acme-large-2025" {
		t.Fatalf("custom model = %+v", m)
	}
	if _, ok := cfg.Catalog().Lookup("gpt-4o-2024-11-20"); !ok {
		t.Error("built-in models must remain")
	}
}

func TestGenerateDefaultConfigRoundTrip(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Parse(GenerateDefaultConfigYAML())
	if err != nil {
		t.Fatalf("Parse default: %v", err)
	}
	def := NewDefaultConfig()
	if cfg.Admin.Listen != def.Admin.Listen {
		t.Errorf("listen = %q", cfg.Admin.Listen)
	}
	if cfg.Pool.IdleThreshold != def.Pool.IdleThreshold || cfg.Pool.SweepSchedule != def.Pool.SweepSchedule {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.RequestTimeout != def.RequestTimeout {
		t.Errorf("request timeout = %s", cfg.RequestTimeout)
	}
	if cfg.Streaming.Reparse != stream.DefaultReparsePolicy() {
		t.Errorf("streaming.reparse = %+v", cfg.Streaming.Reparse)
	}
	if !cfg.Usage.SQLite.Enabled || cfg.Usage.Redis.Enabled || len(cfg.Providers) != 0 {
		t.Errorf("usage = %+v, providers = %d", cfg.Usage, len(cfg.Providers))
	}
}

func TestStreamingReparse(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Parse([]byte("streaming:\n  reparse:\n    growth: 4\n    interval: 1s\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := cfg.Streaming.Reparse
	if r.Growth != 4 || r.Interval != time.Second || r.ExactBelow != stream.DefaultReparseExactBelow || r.MinBytes != 1 {
		t.Errorf("reparse = %+v", r)
	}

	if _, err := Parse([]byte("streaming:\n  reparse:\n    growth: -1\n")); err == nil {
		t.Error("negative growth must fail")
	}
}

// ==================== Credentials Tests ====================

func TestEnsureManagementKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(ManagementKeyEnv, "")
	InvalidateCache()
	t.Cleanup(InvalidateCache)

	key, created, err := EnsureManagementKey()
	if err != nil || !created || len(key) != 2*ManagementKeyLength {
		t.Fatalf("EnsureManagementKey = %q, %v, %v", key, created, err)
	}
	InvalidateCache()
	again, created, err := EnsureManagementKey()
	if err != nil || created || again != key {
		t.Fatalf("second call = %q, %v, %v", again, created, err)
	}
	info, err := os.Stat(CredentialsFilePath())
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("credentials file mode: %v %v", info, err)
	}

	t.Setenv(ManagementKeyEnv, "from-env")
	if creds, _ := LoadCredentials(); creds == nil || creds.ManagementKey != "from-env" || !creds.FromEnv {
		t.Error("environment key must take priority")
	}
}

func TestRotateManagementKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(ManagementKeyEnv, "")
	t.Cleanup(InvalidateCache)

	first, _, err := EnsureManagementKey()
	if err != nil {
		t.Fatalf("EnsureManagementKey: %v", err)
	}
	rotated, err := RotateManagementKey()
	if err != nil || rotated == first {
		t.Fatalf("RotateManagementKey = %q, %v", rotated, err)
	}
	InvalidateCache()
	creds, err := LoadCredentials()
	if err != nil || creds == nil || creds.ManagementKey != rotated {
		t.Fatalf("stored key = %+v, %v", creds, err)
	}
	if creds.CreatedAt.IsZero() || creds.Version != CredentialsVersion {
		t.Errorf("metadata = %+v", creds)
	}
}

func TestCredentialsCacheFollowsPath(t *testing.T) {
	t.Setenv(ManagementKeyEnv, "")
	t.Cleanup(InvalidateCache)

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, _, err := EnsureManagementKey(); err != nil {
		t.Fatalf("EnsureManagementKey: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if creds, err := LoadCredentials(); err != nil || creds != nil {
		t.Errorf("fresh directory returned %+v, %v", creds, err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_VAR", "value")
	if got := expandEnv("  ${RELAY_TEST_VAR}-x "); got != "value-x" {
		t.Errorf("expandEnv = %q", got)
	}
	if got := expandEnv("pa$$word"); got != "pa$$word" {
		t.Errorf("bare dollar changed: %q", got)
	}
	if !errors.Is(requireKey("", "X"), ErrMissingCredential) {
		t.Error("requireKey")
	}
}
