package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/provider"
)

func newAnthropicTestClient(t *testing.T, up *upstream) (*AnthropicClient, *recorder) {
	t.Helper()
	deps, rec := newTestDeps(t)
	return NewAnthropicClient(&config.AnthropicConfig{
		Common:  config.Common{BaseURL: up.URL},
		APIKey:  "sk-ant",
		Version: config.DefaultAnthropicVersion,
	}, deps), rec
}

func anthropicEvent(eventType, data string) string {
	return "event: " + eventType + "\ndata: " + data + "\n\n"
}

func TestAnthropicGenerateText(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{
		"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5",
		"content":[{"type":"thinking","thinking":"Greeting back.","signature":"sig"},{"type":"text","text":"Hi!"}],
		"stop_reason":"end_turn",
		"usage":{"input_tokens":10,"output_tokens":2,"cache_read_input_tokens":5,"cache_creation_input_tokens":0}
	}`))
	client, rec := newAnthropicTestClient(t, up)

	out, err := client.Generate(context.Background(), provider.Options{Model: "claude-sonnet-4-5", ReasoningEffort: "low"}, []provider.Message{
		{Role: provider.RoleSystem, Text: "be nice"},
		{Role: provider.RoleUser, Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", out.Text)
	require.Len(t, out.Reasoning, 1)
	assert.Equal(t, "Greeting back.", out.Reasoning[0].Explanation)

	req := up.last(t)
	assert.Equal(t, "/v1/messages", req.Path)
	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, config.DefaultAnthropicVersion, req.Header.Get("anthropic-version"))
	assert.Equal(t, "be nice", req.Body.Get("system").String())
	assert.Equal(t, int64(1), req.Body.Get("messages.#").Int())
	assert.Equal(t, "enabled", req.Body.Get("thinking.type").String())
	assert.Equal(t, int64(1024), req.Body.Get("thinking.budget_tokens").Int())
	assert.Greater(t, req.Body.Get("max_tokens").Int(), int64(1024))

	require.Len(t, rec.all(), 1)
	assert.Equal(t, int64(15), rec.all()[0].Tokens.PromptTokens)
	assert.Equal(t, int64(5), rec.all()[0].Tokens.CachedTokens)
}

func TestAnthropicGenerateStructuredViaTool(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{
		"id":"msg_2","type":"message","role":"assistant",
		"content":[
			{"type":"text","text":"Here you go."},
			{"type":"tool_use","id":"toolu_1","name":"emit_structured_output","input":{"task_output":{"city":"Paris","temp":21}}}
		],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":30,"output_tokens":12}
	}`))
	client, _ := newAnthropicTestClient(t, up)

	out, err := client.Generate(context.Background(), provider.Options{
		Model:        "claude-sonnet-4-5",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"},"temp":{"type":"number"}}}`),
		WrapOutput:   true,
		Temperature:  ptr(0.2),
	}, []provider.Message{{Role: provider.RoleUser, Text: "weather"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris", "temp": float64(21)}, out.Output)
	assert.Empty(t, out.ToolCalls, "the output tool is not a user tool call")

	req := up.last(t)
	assert.Equal(t, outputToolName, req.Body.Get("tools.0.name").String())
	assert.Equal(t, "tool", req.Body.Get("tool_choice.type").String())
	assert.Equal(t, outputToolName, req.Body.Get("tool_choice.name").String())
	assert.Equal(t, "task_output", req.Body.Get("tools.0.input_schema.required.0").String())
	assert.InDelta(t, 0.2, req.Body.Get("temperature").Float(), 1e-9)
}

func TestAnthropicPayloadToolHistory(t *testing.T) {
	body, err := buildAnthropicPayload(provider.Options{
		Model:        "claude-sonnet-4-5",
		Tools:        []provider.Tool{weatherTool},
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}, []provider.Message{
		{Role: provider.RoleUser, Text: "look", Files: []provider.File{{ContentType: "image/jpeg", Data: "abc"}, {ContentType: "application/pdf", URL: "https://x/doc.pdf"}}},
		{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "toolu_1", Name: "get_weather", Input: map[string]any{"city": "Oslo"}}}},
		{Role: provider.RoleTool, ToolResults: []provider.ToolResult{{ID: "toolu_1", Output: map[string]any{"temp": 3}}}},
	}, false)
	require.NoError(t, err)
	doc := string(body)

	assert.Contains(t, doc, `"type":"image"`)
	assert.Contains(t, doc, `"media_type":"image/jpeg"`)
	assert.Contains(t, doc, `"url":"https://x/doc.pdf"`)
	assert.Contains(t, doc, `"tool_use_id":"toolu_1"`)
	assert.Contains(t, doc, `"content":"{\"temp\":3}"`)
	assert.Contains(t, doc, `"tool_choice":{"type":"any"}`)
	assert.True(t, strings.Contains(doc, `"name":"get_weather"`))
	assert.NotContains(t, doc, `"stream"`)
}

func TestAnthropicStream(t *testing.T) {
	up := newUpstream(t, sseResponse(
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"User wants "}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"weather."}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("ping", `{"type":"ping"}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Checking."}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"get_weather","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"city\": \"Ro"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"me\"}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":2}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":40}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	))
	client, rec := newAnthropicTestClient(t, up)

	ch, err := client.Stream(context.Background(), provider.Options{Model: "claude-sonnet-4-5", Tools: []provider.Tool{weatherTool}},
		[]provider.Message{{Role: provider.RoleUser, Text: "weather in Rome"}})
	require.NoError(t, err)
	partials, final, err := collectStream(t, ch)
	require.NoError(t, err)
	require.NotEmpty(t, partials)

	assert.Equal(t, "Checking.", final.Text)
	require.Len(t, final.Reasoning, 1)
	assert.Equal(t, "User wants weather.", final.Reasoning[0].Explanation)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, provider.ToolCall{ID: "toolu_9", Name: "get_weather", Input: map[string]any{"city": "Rome"}}, final.ToolCalls[0])

	require.Len(t, rec.all(), 1)
	assert.Equal(t, int64(25), rec.all()[0].Tokens.PromptTokens)
	assert.Equal(t, int64(40), rec.all()[0].Tokens.CompletionTokens)
	assert.True(t, up.last(t).Body.Get("stream").Bool())
}

func TestAnthropicStreamStructuredOutput(t *testing.T) {
	up := newUpstream(t, sseResponse(
		anthropicEvent("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":5}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Sure, "}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"emit_structured_output","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"items\": [\"a\""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":", \"b\"]}"}}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	))
	client, _ := newAnthropicTestClient(t, up)

	ch, err := client.Stream(context.Background(), provider.Options{
		Model:        "claude-sonnet-4-5",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"items":{"type":"array"}}}`),
	}, []provider.Message{{Role: provider.RoleUser, Text: "list"}})
	require.NoError(t, err)
	partials, final, err := collectStream(t, ch)
	require.NoError(t, err)

	require.NotEmpty(t, partials)
	assert.Equal(t, map[string]any{"items": []any{"a"}}, partials[0].Output)
	assert.Equal(t, map[string]any{"items": []any{"a", "b"}}, final.Output)
	assert.Empty(t, final.ToolCalls)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	up := newUpstream(t, sseResponse(
		anthropicEvent("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":5}}}`),
		anthropicEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
	))
	client, rec := newAnthropicTestClient(t, up)

	ch, err := client.Stream(context.Background(), provider.Options{Model: "claude-sonnet-4-5"}, []provider.Message{{Role: provider.RoleUser, Text: "x"}})
	require.NoError(t, err)
	_, _, err = collectStream(t, ch)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.KindUnavailable, pe.Kind)
	assert.Equal(t, provider.TagAnthropic, pe.Provider)
	assert.Equal(t, "Overloaded", pe.Message)
	require.Len(t, rec.all(), 1)
	assert.True(t, rec.all()[0].Failed)
}

func TestAnthropicErrorKind(t *testing.T) {
	assert.Equal(t, provider.KindRateLimited, anthropicErrorKind("rate_limit_error", ""))
	assert.Equal(t, provider.KindAuth, anthropicErrorKind("authentication_error", ""))
	assert.Equal(t, provider.KindInvalidRequest, anthropicErrorKind("invalid_request_error", ""))
	assert.Equal(t, provider.KindUnavailable, anthropicErrorKind("something_new", ""))
}

func TestAnthropicMaxTokensRunError(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{"type":"message","content":[{"type":"text","text":"partial ans"}],"stop_reason":"max_tokens","usage":{"input_tokens":1,"output_tokens":4096}}`))
	client, _ := newAnthropicTestClient(t, up)

	out, err := client.Generate(context.Background(), provider.Options{Model: "claude-sonnet-4-5"}, []provider.Message{{Role: provider.RoleUser, Text: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "partial ans", out.Text)
	require.NotNil(t, out.Error)
	assert.Equal(t, "max_tokens", out.Error.Code)
}
