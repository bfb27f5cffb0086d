package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/provider"
)

// ErrMissingCredential marks a provider entry that is well formed but lacks
// the secret it needs. Such providers are disabled instead of failing load.
var ErrMissingCredential = errors.New("missing credential")

// Common holds the fields every provider variant accepts.
type Common struct {
	// Models restricts the provider to these catalog ids. Empty allows all.
	Models []string `yaml:"models,omitempty" json:"models,omitempty"`

	// BaseURL overrides the vendor endpoint.
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// Headers are added to every upstream request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Timeout overrides request-timeout for this provider.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

func (c Common) AllowedModels() []string { return c.Models }

func (c *Common) normalizeCommon() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(expandEnv(c.BaseURL)), "/")
	c.Headers = NormalizeHeaders(c.Headers)
	models := c.Models[:0]
	for _, m := range c.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	c.Models = models
}

func (c Common) validateCommon() error {
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout")
	}
	if c.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base-url %q", c.BaseURL)
	}
	return nil
}

// normalizer is implemented by every variant: trims fields, expands ${VAR}
// references and fills defaults.
type normalizer interface {
	normalize()
}

func requireKey(key, envHint string) error {
	if key == "" {
		return fmt.Errorf("%w: api-key (or %s)", ErrMissingCredential, envHint)
	}
	return nil
}

// OpenAIConfig configures api.openai.com.
type OpenAIConfig struct {
	Common       `yaml:",inline"`
	APIKey       string `yaml:"api-key" json:"-"`
	Organization string `yaml:"organization,omitempty" json:"organization,omitempty"`
}

func (c *OpenAIConfig) ProviderTag() provider.Tag { return provider.TagOpenAI }
func (c *OpenAIConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
	c.Organization = expandEnv(c.Organization)
}
func (c *OpenAIConfig) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "OPENAI_API_KEY")
}

// AzureOpenAIConfig configures an Azure OpenAI resource. Deployments maps a
// catalog model id to the deployment name serving it.
type AzureOpenAIConfig struct {
	Common      `yaml:",inline"`
	APIKey      string            `yaml:"api-key" json:"-"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	APIVersion  string            `yaml:"api-version" json:"api-version"`
	Deployments map[string]string `yaml:"deployments,omitempty" json:"deployments,omitempty"`
}

const DefaultAzureAPIVersion = "2024-10-21"

func (c *AzureOpenAIConfig) ProviderTag() provider.Tag { return provider.TagAzureOpenAI }
func (c *AzureOpenAIConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
	c.Endpoint = strings.TrimRight(strings.TrimSpace(expandEnv(c.Endpoint)), "/")
	if c.BaseURL == "" {
		c.BaseURL = c.Endpoint
	}
	if c.APIVersion == "" {
		c.APIVersion = DefaultAzureAPIVersion
	}
}
func (c *AzureOpenAIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("endpoint is required")
	}
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "AZURE_OPENAI_API_KEY")
}

// Deployment returns the deployment for model, defaulting to the model id.
func (c *AzureOpenAIConfig) Deployment(model string) string {
	if d, ok := c.Deployments[model]; ok && d != "" {
		return d
	}
	return model
}

// AnthropicConfig configures api.anthropic.com.
type AnthropicConfig struct {
	Common  `yaml:",inline"`
	APIKey  string `yaml:"api-key" json:"-"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

const DefaultAnthropicVersion = "2023-06-01"

func (c *AnthropicConfig) ProviderTag() provider.Tag { return provider.TagAnthropic }
func (c *AnthropicConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
	if c.Version == "" {
		c.Version = DefaultAnthropicVersion
	}
}
func (c *AnthropicConfig) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "ANTHROPIC_API_KEY")
}

// BedrockConfig configures Amazon Bedrock. Regions maps a model id to the
// region serving it; others use Region.
type BedrockConfig struct {
	Common          `yaml:",inline"`
	Region          string            `yaml:"region" json:"region"`
	AccessKeyID     string            `yaml:"access-key-id" json:"-"`
	SecretAccessKey string            `yaml:"secret-access-key" json:"-"`
	SessionToken    string            `yaml:"session-token,omitempty" json:"-"`
	Regions         map[string]string `yaml:"regions,omitempty" json:"regions,omitempty"`
}

func (c *BedrockConfig) ProviderTag() provider.Tag { return provider.TagBedrock }
func (c *BedrockConfig) normalize() {
	c.normalizeCommon()
	c.Region = strings.TrimSpace(expandEnv(c.Region))
	c.AccessKeyID = expandEnv(c.AccessKeyID)
	c.SecretAccessKey = expandEnv(c.SecretAccessKey)
	c.SessionToken = expandEnv(c.SessionToken)
}
func (c *BedrockConfig) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("%w: access-key-id and secret-access-key (or AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY)", ErrMissingCredential)
	}
	return nil
}

// RegionFor returns the region serving model.
func (c *BedrockConfig) RegionFor(model string) string {
	if r, ok := c.Regions[model]; ok && r != "" {
		return r
	}
	return c.Region
}

// VertexConfig configures Vertex AI with a service account.
type VertexConfig struct {
	Common             `yaml:",inline"`
	ProjectID          string `yaml:"project-id" json:"project-id"`
	Location           string `yaml:"location" json:"location"`
	ServiceAccountJSON string `yaml:"service-account-json,omitempty" json:"-"`
	ServiceAccountFile string `yaml:"service-account-file,omitempty" json:"service-account-file,omitempty"`
}

func (c *VertexConfig) ProviderTag() provider.Tag { return provider.TagGoogle }
func (c *VertexConfig) normalize() {
	c.normalizeCommon()
	c.ProjectID = strings.TrimSpace(expandEnv(c.ProjectID))
	c.Location = strings.TrimSpace(expandEnv(c.Location))
	if c.Location == "" {
		c.Location = "us-central1"
	}
	c.ServiceAccountJSON = expandEnv(c.ServiceAccountJSON)
	c.ServiceAccountFile = ExpandPath(expandEnv(c.ServiceAccountFile))
}
func (c *VertexConfig) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("project-id is required")
	}
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.ServiceAccountJSON == "" && c.ServiceAccountFile == "" {
		return fmt.Errorf("%w: service-account-json or service-account-file (or GOOGLE_APPLICATION_CREDENTIALS)", ErrMissingCredential)
	}
	return nil
}

// Credentials returns the service account document.
func (c *VertexConfig) Credentials() ([]byte, error) {
	if c.ServiceAccountJSON != "" {
		return []byte(c.ServiceAccountJSON), nil
	}
	return os.ReadFile(c.ServiceAccountFile)
}

// GeminiConfig configures the Gemini API (generativelanguage.googleapis.com).
type GeminiConfig struct {
	Common `yaml:",inline"`
	APIKey string `yaml:"api-key" json:"-"`
}

func (c *GeminiConfig) ProviderTag() provider.Tag { return provider.TagGoogleGemini }
func (c *GeminiConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
}
func (c *GeminiConfig) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "GEMINI_API_KEY")
}

// GroqConfig configures api.groq.com.
type GroqConfig struct {
	Common `yaml:",inline"`
	APIKey string `yaml:"api-key" json:"-"`
}

func (c *GroqConfig) ProviderTag() provider.Tag { return provider.TagGroq }
func (c *GroqConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
}
func (c *GroqConfig) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "GROQ_API_KEY")
}

// MistralConfig configures api.mistral.ai.
type MistralConfig struct {
	Common `yaml:",inline"`
	APIKey string `yaml:"api-key" json:"-"`
}

func (c *MistralConfig) ProviderTag() provider.Tag { return provider.TagMistral }
func (c *MistralConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
}
func (c *MistralConfig) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "MISTRAL_API_KEY")
}

// XAIConfig configures api.x.ai.
type XAIConfig struct {
	Common `yaml:",inline"`
	APIKey string `yaml:"api-key" json:"-"`
}

func (c *XAIConfig) ProviderTag() provider.Tag { return provider.TagXAI }
func (c *XAIConfig) normalize() {
	c.normalizeCommon()
	c.APIKey = expandEnv(c.APIKey)
}
func (c *XAIConfig) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return requireKey(c.APIKey, "XAI_API_KEY")
}

// newVariant returns an empty configuration for tag.
func newVariant(tag provider.Tag) provider.ProviderConfig {
	switch tag {
	case provider.TagOpenAI:
		return &OpenAIConfig{}
	case provider.TagAzureOpenAI:
		return &AzureOpenAIConfig{}
	case provider.TagAnthropic:
		return &AnthropicConfig{}
	case provider.TagBedrock:
		return &BedrockConfig{}
	case provider.TagGoogle:
		return &VertexConfig{}
	case provider.TagGoogleGemini:
		return &GeminiConfig{}
	case provider.TagGroq:
		return &GroqConfig{}
	case provider.TagMistral:
		return &MistralConfig{}
	case provider.TagXAI:
		return &XAIConfig{}
	}
	return nil
}

// ProviderEntry is one element of the providers list. The "type" key
// selects the variant.
type ProviderEntry struct {
	Config provider.ProviderConfig
}

func (e *ProviderEntry) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	if strings.TrimSpace(head.Type) == "" {
		return fmt.Errorf("line %d: provider entry needs a type", node.Line)
	}
	tag, err := provider.ParseTag(head.Type)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	cfg := newVariant(tag)
	if err := node.Decode(cfg); err != nil {
		return fmt.Errorf("line %d: %s: %w", node.Line, tag, err)
	}
	e.Config = cfg
	return nil
}

func (e ProviderEntry) MarshalYAML() (any, error) {
	if e.Config == nil {
		return nil, nil
	}
	var body yaml.Node
	if err := body.Encode(e.Config); err != nil {
		return nil, err
	}
	typeNodes := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(e.Config.ProviderTag())},
	}
	body.Content = append(typeNodes, body.Content...)
	return &body, nil
}

// MarshalJSON renders the variant flat with its type key, matching the YAML
// shape. Credential fields are tagged json:"-" and never appear.
func (e ProviderEntry) MarshalJSON() ([]byte, error) {
	if e.Config == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(e.Config)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "type", string(e.Config.ProviderTag()))
}

// envProviders builds entries from well-known environment variables for
// tags not already configured.
func envProviders(configured map[provider.Tag]bool) []ProviderEntry {
	var out []ProviderEntry
	add := func(cfg provider.ProviderConfig) {
		if !configured[cfg.ProviderTag()] {
			out = append(out, ProviderEntry{Config: cfg})
		}
	}
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		add(&OpenAIConfig{APIKey: k, Organization: os.Getenv("OPENAI_ORG_ID")})
	}
	if k, ep := os.Getenv("AZURE_OPENAI_API_KEY"), os.Getenv("AZURE_OPENAI_ENDPOINT"); k != "" && ep != "" {
		add(&AzureOpenAIConfig{APIKey: k, Endpoint: ep, APIVersion: os.Getenv("AZURE_OPENAI_API_VERSION")})
	}
	if k := os.Getenv("ANTHROPIC_API_KEY"); k != "" {
		add(&AnthropicConfig{APIKey: k})
	}
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		region := firstNonEmpty(os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"), "us-east-1")
		add(&BedrockConfig{Region: region, AccessKeyID: id, SecretAccessKey: secret, SessionToken: os.Getenv("AWS_SESSION_TOKEN")})
	}
	if k := firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")); k != "" {
		add(&GeminiConfig{APIKey: k})
	}
	if f, p := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("GOOGLE_CLOUD_PROJECT"); f != "" && p != "" {
		add(&VertexConfig{ProjectID: p, Location: os.Getenv("GOOGLE_CLOUD_LOCATION"), ServiceAccountFile: f})
	}
	if k := os.Getenv("GROQ_API_KEY"); k != "" {
		add(&GroqConfig{APIKey: k})
	}
	if k := os.Getenv("MISTRAL_API_KEY"); k != "" {
		add(&MistralConfig{APIKey: k})
	}
	if k := os.Getenv("XAI_API_KEY"); k != "" {
		add(&XAIConfig{APIKey: k})
	}
	return out
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. Bare $ signs are left alone so
// secrets containing them survive.
func expandEnv(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// NormalizeHeaders trims header keys and values and removes empty pairs.
func NormalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(expandEnv(v))
		if key == "" || val == "" {
			continue
		}
		clean[key] = val
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
