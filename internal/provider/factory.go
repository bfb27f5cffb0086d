package provider

import (
	"fmt"
	"sort"

	"github.com/nghyane/llm-relay/internal/registry"
)

// Entry registers one configured provider with the factory.
type Entry struct {
	Client Client
	Config ProviderConfig
}

// Candidate is one executable (client, config) pair for a model.
type Candidate struct {
	Tag           Tag
	Client        Client
	Config        ProviderConfig
	Model         string
	UpstreamModel string
}

// Pair is a supported (provider, model) combination.
type Pair struct {
	Provider      Tag    `json:"provider"`
	Model         string `json:"model"`
	UpstreamModel string `json:"upstream_model"`
}

// Factory maps a model to its ranked candidates. It is immutable once built;
// configuration reloads build a new one.
type Factory struct {
	catalog *registry.Catalog
	entries map[Tag]Entry
	allowed map[Tag]map[string]struct{}
	ordered []Tag
}

// NewFactory validates and indexes entries. A nil catalog uses the built-in one.
func NewFactory(catalog *registry.Catalog, entries ...Entry) (*Factory, error) {
	if catalog == nil {
		catalog = registry.DefaultCatalog()
	}
	f := &Factory{
		catalog: catalog,
		entries: make(map[Tag]Entry, len(entries)),
		allowed: make(map[Tag]map[string]struct{}, len(entries)),
	}
	for _, e := range entries {
		if e.Client == nil || e.Config == nil {
			return nil, fmt.Errorf("provider factory: entry needs both a client and a config")
		}
		tag := e.Config.ProviderTag()
		if !tag.Valid() {
			return nil, &Error{Kind: KindUnknownProvider, Provider: tag, Message: "unknown provider tag"}
		}
		if e.Client.Tag() != tag {
			return nil, fmt.Errorf("provider factory: config for %s bound to a %s client", tag, e.Client.Tag())
		}
		if _, dup := f.entries[tag]; dup {
			return nil, fmt.Errorf("provider factory: provider %s registered twice", tag)
		}
		if err := e.Config.Validate(); err != nil {
			return nil, fmt.Errorf("provider factory: %s: %w", tag, err)
		}
		f.entries[tag] = e
		if models := e.Config.AllowedModels(); len(models) > 0 {
			set := make(map[string]struct{}, len(models))
			for _, m := range models {
				set[registry.NormalizeModelID(m)] = struct{}{}
			}
			f.allowed[tag] = set
		}
	}
	for _, tag := range Priority {
		if _, ok := f.entries[tag]; ok {
			f.ordered = append(f.ordered, tag)
		}
	}
	return f, nil
}

// Catalog returns the catalog the factory resolves against.
func (f *Factory) Catalog() *registry.Catalog {
	return f.catalog
}

// Tags returns the configured providers in priority order.
func (f *Factory) Tags() []Tag {
	return append([]Tag(nil), f.ordered...)
}

func (f *Factory) supports(tag Tag, model *registry.ModelDescriptor) bool {
	if !model.ServedBy(string(tag)) {
		return false
	}
	if set, ok := f.allowed[tag]; ok {
		_, ok := set[model.ID]
		return ok
	}
	return true
}

func (f *Factory) candidate(tag Tag, model *registry.ModelDescriptor) Candidate {
	e := f.entries[tag]
	return Candidate{
		Tag:           tag,
		Client:        e.Client,
		Config:        e.Config,
		Model:         model.ID,
		UpstreamModel: model.UpstreamID(string(tag)),
	}
}

// Resolve returns the ranked candidates for model. With explicit set only
// that provider is considered.
func (f *Factory) Resolve(model string, explicit Tag) ([]Candidate, error) {
	desc, ok := f.catalog.Lookup(model)
	if !ok {
		return nil, UnsupportedModelError(model, explicit)
	}

	if explicit != "" {
		if !explicit.Valid() {
			return nil, &Error{Kind: KindUnknownProvider, Provider: explicit, Model: desc.ID, Message: "unknown provider"}
		}
		if _, configured := f.entries[explicit]; !configured {
			return nil, &Error{Kind: KindUnknownProvider, Provider: explicit, Model: desc.ID, Message: "provider is not configured"}
		}
		if !f.supports(explicit, desc) {
			return nil, UnsupportedModelError(desc.ID, explicit)
		}
		return []Candidate{f.candidate(explicit, desc)}, nil
	}

	var out []Candidate
	for _, tag := range f.ordered {
		if f.supports(tag, desc) {
			out = append(out, f.candidate(tag, desc))
		}
	}
	if len(out) == 0 {
		return nil, UnsupportedModelError(desc.ID, "")
	}
	return out, nil
}

// ListAllProviderModelPairs returns every combination Resolve would accept,
// sorted by model then provider priority.
func (f *Factory) ListAllProviderModelPairs() []Pair {
	var pairs []Pair
	for _, desc := range f.catalog.Models() {
		for _, tag := range f.ordered {
			if f.supports(tag, desc) {
				pairs = append(pairs, Pair{Provider: tag, Model: desc.ID, UpstreamModel: desc.UpstreamID(string(tag))})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].Model != pairs[j].Model {
			return pairs[i].Model < pairs[j].Model
		}
		return pairs[i].Provider.Rank() < pairs[j].Provider.Rank()
	})
	return pairs
}
