// Package registry holds the static model catalog: which logical models exist,
// what they can do, and which upstream model id each provider serves them under.
package registry

import (
	"sort"
	"strings"
)

// Capabilities are the per-model feature flags adapters consult before
// shaping a request.
type Capabilities struct {
	JSONMode         bool `json:"json_mode" yaml:"json-mode"`
	StructuredOutput bool `json:"structured_output" yaml:"structured-output"`
	ImageInput       bool `json:"image_input" yaml:"image-input"`
	AudioInput       bool `json:"audio_input" yaml:"audio-input"`
	PDFInput         bool `json:"pdf_input" yaml:"pdf-input"`
	SystemMessages   bool `json:"system_messages" yaml:"system-messages"`
	Tools            bool `json:"tools" yaml:"tools"`
	Reasoning        bool `json:"reasoning" yaml:"reasoning"`
}

// ModelDescriptor identifies one logical model.
type ModelDescriptor struct {
	ID              string       `json:"id" yaml:"id"`
	DisplayName     string       `json:"display_name,omitempty" yaml:"display-name"`
	Capabilities    Capabilities `json:"capabilities" yaml:"capabilities"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty" yaml:"max-output-tokens"`

	// Providers maps a provider tag to the model id sent upstream.
	Providers map[string]string `json:"providers" yaml:"providers"`
}

// ServedBy reports whether provider is listed for the model.
func (m *ModelDescriptor) ServedBy(provider string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Providers[provider]
	return ok
}

// UpstreamID returns the provider-specific id, defaulting to the logical id.
func (m *ModelDescriptor) UpstreamID(provider string) string {
	if m == nil {
		return ""
	}
	if id := m.Providers[provider]; id != "" {
		return id
	}
	return m.ID
}

func (m *ModelDescriptor) clone() *ModelDescriptor {
	c := *m
	c.Providers = make(map[string]string, len(m.Providers))
	for k, v := range m.Providers {
		c.Providers[k] = v
	}
	return &c
}

// Catalog is an immutable set of model descriptors, safe for concurrent reads.
type Catalog struct {
	models map[string]*ModelDescriptor
	ids    []string
}

// NewCatalog builds a catalog. Later descriptors with the same id replace
// earlier ones, so custom models can override built-ins.
func NewCatalog(models ...*ModelDescriptor) *Catalog {
	c := &Catalog{models: make(map[string]*ModelDescriptor, len(models))}
	for _, m := range models {
		if m == nil {
			continue
		}
		id := NormalizeModelID(m.ID)
		if id == "" {
			continue
		}
		cp := m.clone()
		cp.ID = id
		c.models[id] = cp
	}
	c.ids = make([]string, 0, len(c.models))
	for id := range c.models {
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	return c
}

// Lookup returns a copy of the descriptor for id.
func (c *Catalog) Lookup(id string) (*ModelDescriptor, bool) {
	if c == nil {
		return nil, false
	}
	m, ok := c.models[NormalizeModelID(id)]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// IDs returns every model id in lexical order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.ids...)
}

// Models returns copies of all descriptors in id order.
func (c *Catalog) Models() []*ModelDescriptor {
	if c == nil {
		return nil
	}
	out := make([]*ModelDescriptor, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.models[id].clone())
	}
	return out
}

// With returns a new catalog with extra descriptors layered on top.
func (c *Catalog) With(extra ...*ModelDescriptor) *Catalog {
	if len(extra) == 0 {
		return c
	}
	all := append(c.Models(), extra...)
	return NewCatalog(all...)
}

// NormalizeModelID trims whitespace and strips a display prefix such as
// "[OpenAI] gpt-4o".
func NormalizeModelID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "[") {
		if idx := strings.Index(id, "] "); idx != -1 {
			return strings.TrimSpace(id[idx+2:])
		}
	}
	return id
}
