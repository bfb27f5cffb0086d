package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/registry"
	"github.com/nghyane/llm-relay/internal/stream"
)

// chunkedClient streams fixed text pieces through a stream.Context, the same
// way the HTTP clients do.
type chunkedClient struct {
	tag    provider.Tag
	pieces []string
}

func (c *chunkedClient) Tag() provider.Tag { return c.tag }

func (c *chunkedClient) Generate(ctx context.Context, opts provider.Options, msgs []provider.Message) (provider.Output, error) {
	ch, err := c.Stream(ctx, opts, msgs)
	if err != nil {
		return provider.Output{}, err
	}
	return provider.Collect(ch)
}

func (c *chunkedClient) Stream(ctx context.Context, opts provider.Options, _ []provider.Message) (<-chan provider.StreamChunk, error) {
	var sopts []stream.Option
	if opts.WrapOutput {
		sopts = append(sopts, stream.WithOutputKey(provider.TaskOutputKey))
	}
	sc := stream.NewContext(sopts...)
	out := make(chan provider.StreamChunk)
	go func() {
		defer close(out)
		emit := func(chunk provider.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range c.pieces {
			sc.AppendText(p)
			if snap, changed := sc.Snapshot(); changed {
				if !emit(provider.StreamChunk{Output: snap}) {
					return
				}
			}
		}
		final, err := sc.Finalize()
		if err != nil {
			emit(provider.StreamChunk{Err: err})
			return
		}
		emit(provider.StreamChunk{Output: final, Final: true})
	}()
	return out, nil
}

type staticConfig struct{ tag provider.Tag }

func (c staticConfig) ProviderTag() provider.Tag { return c.tag }
func (c staticConfig) AllowedModels() []string   { return nil }
func (c staticConfig) Validate() error           { return nil }

func TestExecuteStreamEndToEnd(t *testing.T) {
	catalog := registry.NewCatalog(&registry.ModelDescriptor{
		ID:        "e2e-model",
		Providers: map[string]string{"openai": ""},
	})
	client := &chunkedClient{tag: provider.TagOpenAI, pieces: []string{`{"task_output":{"x":`, `1}}`}}
	f, err := provider.NewFactory(catalog, provider.Entry{Client: client, Config: staticConfig{tag: provider.TagOpenAI}})
	require.NoError(t, err)
	m := provider.NewManager(f)

	ch, err := m.ExecuteStream(context.Background(), "e2e-model", provider.Options{WrapOutput: true}, nil, "")
	require.NoError(t, err)

	var chunks []provider.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)

	assert.Equal(t, map[string]any{}, chunks[0].Output.Output)
	assert.False(t, chunks[0].Final)
	assert.Equal(t, map[string]any{"x": float64(1)}, chunks[1].Output.Output)
	assert.False(t, chunks[1].Final)
	assert.Equal(t, map[string]any{"x": float64(1)}, chunks[2].Output.Output)
	assert.True(t, chunks[2].Final)
	for _, c := range chunks {
		assert.NoError(t, c.Err)
	}
}

func TestExecuteUnaryThroughStreamingClient(t *testing.T) {
	catalog := registry.NewCatalog(&registry.ModelDescriptor{
		ID:        "e2e-model",
		Providers: map[string]string{"anthropic": ""},
	})
	client := &chunkedClient{tag: provider.TagAnthropic, pieces: []string{`{"a":1,"b":`, `2}`}}
	f, err := provider.NewFactory(catalog, provider.Entry{Client: client, Config: staticConfig{tag: provider.TagAnthropic}})
	require.NoError(t, err)

	out, err := provider.NewManager(f).Execute(context.Background(), "e2e-model", provider.Options{}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, out.Output)
}
