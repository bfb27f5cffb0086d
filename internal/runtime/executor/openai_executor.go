package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	OpenAIDefaultBaseURL  = "https://api.openai.com/v1"
	GroqDefaultBaseURL    = "https://api.groq.com/openai/v1"
	MistralDefaultBaseURL = "https://api.mistral.ai/v1"
	XAIDefaultBaseURL     = "https://api.x.ai/v1"
)

// OpenAIClient speaks the chat completions API. It serves OpenAI, Azure
// OpenAI, Groq, Mistral and xAI, which differ only in endpoint and auth.
type OpenAIClient struct {
	baseClient
}

type openAIWire struct {
	tag     provider.Tag
	headers map[string]string

	// endpoint returns the chat completions URL for an upstream model.
	endpoint func(model string) string
	auth     map[string]string

	// maxCompletionTokens selects max_completion_tokens over max_tokens.
	maxCompletionTokens bool
	// streamUsage asks for a trailing usage chunk via stream_options.
	streamUsage bool
	// omitModel drops the model field; Azure takes it from the deployment.
	omitModel bool
}

func newOpenAIClient(base baseClient, wire *openAIWire) *OpenAIClient {
	wire.tag = base.tag
	wire.headers = base.headers
	base.wire = wire
	return &OpenAIClient{baseClient: base}
}

func chatCompletionsURL(baseURL, fallback string) func(string) string {
	if baseURL == "" {
		baseURL = fallback
	}
	endpoint := baseURL + "/chat/completions"
	return func(string) string { return endpoint }
}

// NewOpenAIClient builds the client for api.openai.com.
func NewOpenAIClient(cfg *config.OpenAIConfig, deps Deps) *OpenAIClient {
	auth := map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	if cfg.Organization != "" {
		auth["OpenAI-Organization"] = cfg.Organization
	}
	return newOpenAIClient(newBaseClient(provider.TagOpenAI, cfg.Common, deps), &openAIWire{
		endpoint:            chatCompletionsURL(cfg.BaseURL, OpenAIDefaultBaseURL),
		auth:                auth,
		maxCompletionTokens: true,
		streamUsage:         true,
	})
}

// NewAzureOpenAIClient builds the client for an Azure OpenAI resource. The
// deployment comes from the config's deployment map.
func NewAzureOpenAIClient(cfg *config.AzureOpenAIConfig, deps Deps) *OpenAIClient {
	base := cfg.BaseURL
	version := url.QueryEscape(cfg.APIVersion)
	return newOpenAIClient(newBaseClient(provider.TagAzureOpenAI, cfg.Common, deps), &openAIWire{
		endpoint: func(model string) string {
			return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
				base, url.PathEscape(cfg.Deployment(model)), version)
		},
		auth:                map[string]string{"api-key": cfg.APIKey},
		maxCompletionTokens: true,
		streamUsage:         true,
		omitModel:           true,
	})
}

// NewGroqClient builds the client for api.groq.com.
func NewGroqClient(cfg *config.GroqConfig, deps Deps) *OpenAIClient {
	return newOpenAIClient(newBaseClient(provider.TagGroq, cfg.Common, deps), &openAIWire{
		endpoint: chatCompletionsURL(cfg.BaseURL, GroqDefaultBaseURL),
		auth:     map[string]string{"Authorization": "Bearer " + cfg.APIKey},
	})
}

// NewMistralClient builds the client for api.mistral.ai.
func NewMistralClient(cfg *config.MistralConfig, deps Deps) *OpenAIClient {
	return newOpenAIClient(newBaseClient(provider.TagMistral, cfg.Common, deps), &openAIWire{
		endpoint: chatCompletionsURL(cfg.BaseURL, MistralDefaultBaseURL),
		auth:     map[string]string{"Authorization": "Bearer " + cfg.APIKey},
	})
}

// NewXAIClient builds the client for api.x.ai.
func NewXAIClient(cfg *config.XAIConfig, deps Deps) *OpenAIClient {
	return newOpenAIClient(newBaseClient(provider.TagXAI, cfg.Common, deps), &openAIWire{
		endpoint:    chatCompletionsURL(cfg.BaseURL, XAIDefaultBaseURL),
		auth:        map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		streamUsage: true,
	})
}

func (w *openAIWire) buildRequest(ctx context.Context, opts provider.Options, messages []provider.Message, streamed bool) (*http.Request, error) {
	body, err := w.buildPayload(opts, messages, streamed)
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint(opts.TargetModel()), bytes.NewReader(body))
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	applyHeaders(req, w.headers, w.auth, streamed)
	return req, nil
}

func (w *openAIWire) buildPayload(opts provider.Options, messages []provider.Message, streamed bool) ([]byte, error) {
	req := openai.ChatCompletionRequest{
		Model:    opts.TargetModel(),
		Messages: openAIMessages(messages),
		Stream:   streamed,
	}
	if opts.MaxTokens > 0 {
		if w.maxCompletionTokens {
			req.MaxCompletionTokens = opts.MaxTokens
		} else {
			req.MaxTokens = opts.MaxTokens
		}
	}
	for _, t := range opts.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolSchema(t),
			},
		})
	}
	if opts.StructuredGeneration() {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "output",
				Schema: opts.WrappedSchema(),
			},
		}
	}
	if streamed && w.streamUsage {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	// temperature 0 is meaningful but omitted by the struct tag
	if opts.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *opts.Temperature); err != nil {
			return nil, err
		}
	}
	if opts.ReasoningEffort != "" {
		if body, err = sjson.SetBytes(body, "reasoning_effort", opts.ReasoningEffort); err != nil {
			return nil, err
		}
	}
	if w.omitModel {
		if body, err = sjson.DeleteBytes(body, "model"); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func openAIMessages(messages []provider.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case provider.RoleTool:
			for _, r := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: r.ID,
					Content:    toolResultText(r),
				})
			}
		case provider.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text}
			for _, c := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   c.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.Name,
						Arguments: marshalInput(c.Input),
					},
				})
			}
			out = append(out, msg)
		case provider.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text})
		default:
			out = append(out, openAIUserMessage(m))
		}
	}
	return out
}

func openAIUserMessage(m provider.Message) openai.ChatCompletionMessage {
	if len(m.Files) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text}
	}
	var parts []openai.ChatMessagePart
	if m.Text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Text})
	}
	for _, f := range m.Files {
		if !f.IsImage() {
			log.Warnf("openai: dropping %s attachment, only images are supported", f.ContentType)
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: dataURL(f)},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func openAIUsage(u openai.Usage, raw gjson.Result) usage.Tokens {
	return usage.Tokens{
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		TotalTokens:      int64(u.TotalTokens),
		CachedTokens:     raw.Get("prompt_tokens_details.cached_tokens").Int(),
		ReasoningTokens:  raw.Get("completion_tokens_details.reasoning_tokens").Int(),
	}
}

func openAIFinish(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonContentFilter:
		return "content_filter"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_calls"
	case "":
		return ""
	default:
		return "stop"
	}
}

func applyFinish(sc *stream.Context, reason string) {
	if reason == "" {
		return
	}
	sc.SetFinishReason(reason)
	if e := finishRunError(reason); e != nil {
		sc.SetError(*e)
	}
}

// inBandError converts an error object embedded in a 200 response or
// stream event.
func inBandError(tag provider.Tag, errObj gjson.Result) *provider.Error {
	msg := errObj.Get("message").String()
	if msg == "" {
		msg = errObj.String()
	}
	status := int(errObj.Get("code").Int())
	kind := provider.KindFromStatus(status, msg+" "+errObj.Get("type").String())
	if kind == provider.KindUnknown {
		kind = provider.KindUnavailable
	}
	return &provider.Error{Kind: kind, Provider: tag, StatusCode: status, Message: msg}
}

func (w *openAIWire) decodeUnary(sc *stream.Context, body []byte) error {
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type != gjson.Null {
		return inBandError(w.tag, e)
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		raw := gjson.GetBytes(body, "choices.0.message")
		if r := firstString(raw, "reasoning_content", "reasoning"); r != "" {
			sc.AddReasoningDelta(stream.ReasoningDelta{Text: r})
		}
		sc.AppendText(choice.Message.Content)
		for i, call := range choice.Message.ToolCalls {
			sc.AddToolCallDelta(stream.ToolCallDelta{
				Index:     i,
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
				Done:      true,
			})
		}
		if refusal := raw.Get("refusal").String(); refusal != "" {
			sc.SetError(provider.RunError{Code: "refusal", Message: refusal})
		}
		applyFinish(sc, openAIFinish(choice.FinishReason))
	}
	if raw := gjson.GetBytes(body, "usage"); raw.Exists() {
		sc.SetUsage(openAIUsage(resp.Usage, raw))
	}
	return nil
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func (w *openAIWire) newEventReader(body io.Reader) eventReader {
	return newSSEReader(body)
}

func (w *openAIWire) newStreamDecoder(provider.Options) streamDecoder {
	return &openAIStreamDecoder{tag: w.tag}
}

type openAIStreamDecoder struct {
	tag     provider.Tag
	refusal string
}

func (d *openAIStreamDecoder) handle(sc *stream.Context, ev rawEvent) (bool, error) {
	if ev.isDone() {
		return true, nil
	}
	if e := gjson.GetBytes(ev.Data, "error"); e.Exists() && e.Type != gjson.Null {
		return false, inBandError(d.tag, e)
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return false, provider.DecodeError(d.tag, fmt.Errorf("stream event: %w", err))
	}
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta
		reasoning := delta.ReasoningContent
		if reasoning == "" {
			reasoning = gjson.GetBytes(ev.Data, "choices.0.delta.reasoning").String()
		}
		if reasoning != "" {
			sc.AddReasoningDelta(stream.ReasoningDelta{Text: reasoning})
		}
		sc.AppendText(delta.Content)
		for i, call := range delta.ToolCalls {
			index := i
			if call.Index != nil {
				index = *call.Index
			}
			sc.AddToolCallDelta(stream.ToolCallDelta{
				Index:     index,
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		if refusal := gjson.GetBytes(ev.Data, "choices.0.delta.refusal").String(); refusal != "" {
			d.refusal += refusal
			sc.SetError(provider.RunError{Code: "refusal", Message: d.refusal})
		}
		applyFinish(sc, openAIFinish(choice.FinishReason))
	}
	if chunk.Usage != nil {
		sc.SetUsage(openAIUsage(*chunk.Usage, gjson.GetBytes(ev.Data, "usage")))
	} else if raw := gjson.GetBytes(ev.Data, "x_groq.usage"); raw.Exists() {
		sc.SetUsage(usage.Tokens{
			PromptTokens:     raw.Get("prompt_tokens").Int(),
			CompletionTokens: raw.Get("completion_tokens").Int(),
			TotalTokens:      raw.Get("total_tokens").Int(),
		})
	}
	return false, nil
}
