package provider

import (
	"context"
	"sync"

	"github.com/nghyane/llm-relay/internal/registry"
)

type fakeConfig struct {
	tag     Tag
	models  []string
	invalid error
}

func (c fakeConfig) ProviderTag() Tag        { return c.tag }
func (c fakeConfig) AllowedModels() []string { return c.models }
func (c fakeConfig) Validate() error         { return c.invalid }

// fakeClient replays scripted results in order; the last one repeats.
type fakeClient struct {
	tag Tag

	mu        sync.Mutex
	calls     int
	results   []fakeResult
	lastModel string
}

type fakeResult struct {
	out     Output
	err     error
	openErr error
	chunks  []StreamChunk
}

func (c *fakeClient) Tag() Tag { return c.tag }

func (c *fakeClient) next(opts Options) fakeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastModel = opts.TargetModel()
	i := c.calls
	c.calls++
	if len(c.results) == 0 {
		return fakeResult{out: Output{Text: string(c.tag)}}
	}
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	return c.results[i]
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) Generate(_ context.Context, opts Options, _ []Message) (Output, error) {
	r := c.next(opts)
	return r.out, r.err
}

func (c *fakeClient) Stream(ctx context.Context, opts Options, _ []Message) (<-chan StreamChunk, error) {
	r := c.next(opts)
	if r.openErr != nil {
		return nil, r.openErr
	}
	chunks := r.chunks
	if chunks == nil {
		chunks = []StreamChunk{{Output: Output{Text: string(c.tag)}, Final: true}}
	}
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func testCatalog() *registry.Catalog {
	return registry.NewCatalog(
		&registry.ModelDescriptor{
			ID: "shared-model",
			Providers: map[string]string{
				"openai":     "shared-openai",
				"anthropic":  "shared-anthropic",
				"groq":       "shared-groq",
				"mistral_ai": "shared-mistral",
			},
		},
		&registry.ModelDescriptor{
			ID:        "solo-model",
			Providers: map[string]string{"anthropic": ""},
		},
		&registry.ModelDescriptor{
			ID:        "orphan-model",
			Providers: map[string]string{"x_ai": "grok-x"},
		},
	)
}

func newTestFactory(t interface{ Fatalf(string, ...any) }, clients ...*fakeClient) *Factory {
	entries := make([]Entry, 0, len(clients))
	for _, c := range clients {
		entries = append(entries, Entry{Client: c, Config: fakeConfig{tag: c.tag}})
	}
	f, err := NewFactory(testCatalog(), entries...)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return f
}
