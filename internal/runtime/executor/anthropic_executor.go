package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const AnthropicDefaultBaseURL = "https://api.anthropic.com"

// AnthropicClient speaks the Messages API. Structured output travels as the
// input of a forced synthetic tool.
type AnthropicClient struct {
	baseClient
}

type anthropicWire struct {
	tag      provider.Tag
	headers  map[string]string
	endpoint string
	auth     map[string]string
}

// NewAnthropicClient builds the client for api.anthropic.com.
func NewAnthropicClient(cfg *config.AnthropicConfig, deps Deps) *AnthropicClient {
	base := newBaseClient(provider.TagAnthropic, cfg.Common, deps)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = AnthropicDefaultBaseURL
	}
	base.wire = &anthropicWire{
		tag:      base.tag,
		headers:  base.headers,
		endpoint: baseURL + "/v1/messages",
		auth: map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": cfg.Version,
		},
	}
	return &AnthropicClient{baseClient: base}
}

func (w *anthropicWire) buildRequest(ctx context.Context, opts provider.Options, messages []provider.Message, streamed bool) (*http.Request, error) {
	body, err := buildAnthropicPayload(opts, messages, streamed)
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	applyHeaders(req, w.headers, w.auth, streamed)
	return req, nil
}

func buildAnthropicPayload(opts provider.Options, messages []provider.Message, streamed bool) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	setRaw := func(path string, raw []byte) {
		if err == nil {
			body, err = sjson.SetRawBytes(body, path, raw)
		}
	}

	budget := reasoningBudget(opts.ReasoningEffort)
	limit := maxTokens(opts)
	if budget > 0 && limit <= budget {
		limit = budget + defaultMaxTokens
	}

	set("model", opts.TargetModel())
	set("max_tokens", limit)
	if sys := systemText(messages); sys != "" {
		set("system", sys)
	}
	set("messages", anthropicMessages(messages))
	if streamed {
		set("stream", true)
	}
	if budget > 0 {
		set("thinking", map[string]any{"type": "enabled", "budget_tokens": budget})
	} else if opts.Temperature != nil {
		set("temperature", *opts.Temperature)
	}

	i := 0
	for _, t := range opts.Tools {
		set(fmt.Sprintf("tools.%d.name", i), t.Name)
		if t.Description != "" {
			set(fmt.Sprintf("tools.%d.description", i), t.Description)
		}
		setRaw(fmt.Sprintf("tools.%d.input_schema", i), toolSchema(t))
		i++
	}
	if opts.StructuredGeneration() {
		set(fmt.Sprintf("tools.%d.name", i), outputToolName)
		set(fmt.Sprintf("tools.%d.description", i), outputToolDescription)
		setRaw(fmt.Sprintf("tools.%d.input_schema", i), opts.WrappedSchema())
		switch {
		case budget > 0:
			// extended thinking only allows auto tool choice
			set("tool_choice", map[string]any{"type": "auto"})
		case len(opts.Tools) > 0:
			set("tool_choice", map[string]any{"type": "any"})
		default:
			set("tool_choice", map[string]any{"type": "tool", "name": outputToolName})
		}
	}
	return body, err
}

func anthropicMessages(messages []provider.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		var content []map[string]any
		role := "user"
		switch m.Role {
		case provider.RoleSystem:
			continue
		case provider.RoleTool:
			for _, r := range m.ToolResults {
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": r.ID,
					"content":     toolResultText(r),
				}
				if r.Error != "" {
					block["is_error"] = true
				}
				content = append(content, block)
			}
		case provider.RoleAssistant:
			role = "assistant"
			if m.Text != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Text})
			}
			for _, c := range m.ToolCalls {
				input := c.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{"type": "tool_use", "id": c.ID, "name": c.Name, "input": input})
			}
		default:
			for _, f := range m.Files {
				content = append(content, anthropicFileBlock(f))
			}
			if m.Text != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Text})
			}
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, map[string]any{"role": role, "content": content})
	}
	return out
}

func anthropicFileBlock(f provider.File) map[string]any {
	blockType := "document"
	if f.IsImage() {
		blockType = "image"
	}
	source := map[string]any{"type": "base64", "media_type": f.ContentType, "data": f.Data}
	if f.URL != "" {
		source = map[string]any{"type": "url", "url": f.URL}
	}
	return map[string]any{"type": blockType, "source": source}
}

func anthropicFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "max_tokens":
		return "max_tokens"
	case "refusal":
		return "refusal"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func anthropicUsage(u anthropic.Usage) usage.Tokens {
	return usage.Tokens{
		PromptTokens:     u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.CacheReadInputTokens,
	}
}

// anthropicErrorKind maps the error.type of an error event or body.
func anthropicErrorKind(errType, msg string) provider.Kind {
	switch errType {
	case "rate_limit_error":
		return provider.KindRateLimited
	case "overloaded_error", "api_error":
		return provider.KindUnavailable
	case "authentication_error", "permission_error":
		return provider.KindAuth
	case "invalid_request_error", "not_found_error", "request_too_large":
		return provider.KindInvalidRequest
	}
	if k := provider.KindFromStatus(0, msg); k != provider.KindUnknown {
		return k
	}
	return provider.KindUnavailable
}

func (w *anthropicWire) errorFrom(errObj gjson.Result) *provider.Error {
	msg := errObj.Get("message").String()
	return &provider.Error{Kind: anthropicErrorKind(errObj.Get("type").String(), msg), Provider: w.tag, Message: msg}
}

func (w *anthropicWire) decodeUnary(sc *stream.Context, body []byte) error {
	if gjson.GetBytes(body, "type").String() == "error" {
		return w.errorFrom(gjson.GetBytes(body, "error"))
	}
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	structured := false
	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == outputToolName {
			structured = true
		}
	}
	toolIndex := 0
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if !structured {
				sc.AppendText(block.Text)
			}
		case "thinking":
			sc.AddReasoningDelta(stream.ReasoningDelta{Text: block.Thinking, NewStep: true})
		case "tool_use":
			input := string(block.Input)
			if input == "" || input == "null" {
				input = "{}"
			}
			if block.Name == outputToolName {
				sc.AppendText(input)
				continue
			}
			sc.AddToolCallDelta(stream.ToolCallDelta{Index: toolIndex, ID: block.ID, Name: block.Name, Arguments: input, Done: true})
			toolIndex++
		}
	}
	applyFinish(sc, anthropicFinish(string(msg.StopReason)))
	sc.SetUsage(anthropicUsage(msg.Usage))
	return nil
}

func (w *anthropicWire) newEventReader(body io.Reader) eventReader {
	return newSSEReader(body)
}

func (w *anthropicWire) newStreamDecoder(opts provider.Options) streamDecoder {
	return &anthropicStreamDecoder{
		wire:       w,
		structured: opts.StructuredGeneration(),
		blocks:     make(map[int64]anthropicBlock),
	}
}

type anthropicBlock struct {
	kind      string
	toolIndex int
}

type anthropicStreamDecoder struct {
	wire       *anthropicWire
	structured bool
	blocks     map[int64]anthropicBlock
	nextTool   int
	usage      usage.Tokens
}

func (d *anthropicStreamDecoder) handle(sc *stream.Context, ev rawEvent) (bool, error) {
	data := gjson.ParseBytes(ev.Data)
	eventType := data.Get("type").String()
	if eventType == "" {
		eventType = ev.Type
	}
	switch eventType {
	case "message_start":
		u := data.Get("message.usage")
		d.usage.PromptTokens = u.Get("input_tokens").Int() + u.Get("cache_read_input_tokens").Int() + u.Get("cache_creation_input_tokens").Int()
		d.usage.CachedTokens = u.Get("cache_read_input_tokens").Int()
		d.usage.CompletionTokens = u.Get("output_tokens").Int()
	case "content_block_start":
		index := data.Get("index").Int()
		block := data.Get("content_block")
		switch block.Get("type").String() {
		case "tool_use":
			if block.Get("name").String() == outputToolName {
				d.blocks[index] = anthropicBlock{kind: "output"}
				return false, nil
			}
			b := anthropicBlock{kind: "tool", toolIndex: d.nextTool}
			d.nextTool++
			d.blocks[index] = b
			sc.AddToolCallDelta(stream.ToolCallDelta{Index: b.toolIndex, ID: block.Get("id").String(), Name: block.Get("name").String()})
		case "thinking":
			d.blocks[index] = anthropicBlock{kind: "thinking"}
			sc.AddReasoningDelta(stream.ReasoningDelta{Text: block.Get("thinking").String(), NewStep: true})
		default:
			d.blocks[index] = anthropicBlock{kind: "text"}
			d.appendText(sc, block.Get("text").String())
		}
	case "content_block_delta":
		b := d.blocks[data.Get("index").Int()]
		delta := data.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			d.appendText(sc, delta.Get("text").String())
		case "input_json_delta":
			partial := delta.Get("partial_json").String()
			if b.kind == "output" {
				sc.AppendText(partial)
			} else if b.kind == "tool" {
				sc.AddToolCallDelta(stream.ToolCallDelta{Index: b.toolIndex, Arguments: partial})
			}
		case "thinking_delta":
			sc.AddReasoningDelta(stream.ReasoningDelta{Text: delta.Get("thinking").String()})
		}
	case "content_block_stop":
		if b, ok := d.blocks[data.Get("index").Int()]; ok && b.kind == "tool" {
			sc.AddToolCallDelta(stream.ToolCallDelta{Index: b.toolIndex, Done: true})
		}
	case "message_delta":
		applyFinish(sc, anthropicFinish(data.Get("delta.stop_reason").String()))
		if out := data.Get("usage.output_tokens"); out.Exists() {
			d.usage.CompletionTokens = out.Int()
		}
		sc.SetUsage(d.usage)
	case "message_stop":
		return true, nil
	case "error":
		return false, d.wire.errorFrom(data.Get("error"))
	}
	return false, nil
}

// appendText drops free text in structured mode; the answer arrives through
// the output tool.
func (d *anthropicStreamDecoder) appendText(sc *stream.Context, s string) {
	if !d.structured {
		sc.AppendText(s)
	}
}
