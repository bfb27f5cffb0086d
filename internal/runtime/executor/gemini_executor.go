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
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"google.golang.org/genai"
)

const GeminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient speaks generateContent. It serves both the Gemini API (api
// key) and Vertex AI (service account), which share the wire format.
type GeminiClient struct {
	baseClient
}

type geminiWire struct {
	tag     provider.Tag
	headers map[string]string

	// modelURL returns the model resource URL, without the method suffix.
	modelURL func(model string) string
	// authorize adds credentials to an outgoing request.
	authorize func(ctx context.Context, req *http.Request) error
}

// NewGeminiClient builds the client for generativelanguage.googleapis.com.
func NewGeminiClient(cfg *config.GeminiConfig, deps Deps) *GeminiClient {
	base := newBaseClient(provider.TagGoogleGemini, cfg.Common, deps)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = GeminiDefaultBaseURL
	}
	key := cfg.APIKey
	base.wire = &geminiWire{
		tag:     base.tag,
		headers: base.headers,
		modelURL: func(model string) string {
			return baseURL + "/v1beta/models/" + url.PathEscape(model)
		},
		authorize: func(_ context.Context, req *http.Request) error {
			req.Header.Set("x-goog-api-key", key)
			return nil
		},
	}
	return &GeminiClient{baseClient: base}
}

func (w *geminiWire) buildRequest(ctx context.Context, opts provider.Options, messages []provider.Message, streamed bool) (*http.Request, error) {
	body, err := buildGeminiPayload(opts, messages)
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	endpoint := w.modelURL(opts.TargetModel()) + ":generateContent"
	if streamed {
		endpoint = w.modelURL(opts.TargetModel()) + ":streamGenerateContent?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	applyHeaders(req, w.headers, nil, streamed)
	if err := w.authorize(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func buildGeminiPayload(opts provider.Options, messages []provider.Message) ([]byte, error) {
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

	set("contents", geminiContents(messages))
	if sys := systemText(messages); sys != "" {
		set("systemInstruction.parts.0.text", sys)
	}
	if opts.Temperature != nil {
		set("generationConfig.temperature", *opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		set("generationConfig.maxOutputTokens", opts.MaxTokens)
	}
	if opts.StructuredGeneration() {
		set("generationConfig.responseMimeType", "application/json")
		setRaw("generationConfig.responseJsonSchema", opts.WrappedSchema())
	}
	if budget := reasoningBudget(opts.ReasoningEffort); budget > 0 {
		set("generationConfig.thinkingConfig.includeThoughts", true)
		set("generationConfig.thinkingConfig.thinkingBudget", budget)
	}
	for i, t := range opts.Tools {
		prefix := fmt.Sprintf("tools.0.functionDeclarations.%d.", i)
		set(prefix+"name", t.Name)
		if t.Description != "" {
			set(prefix+"description", t.Description)
		}
		setRaw(prefix+"parametersJsonSchema", toolSchema(t))
	}
	return body, err
}

func geminiContents(messages []provider.Message) []map[string]any {
	names := toolNames(messages)
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		var parts []map[string]any
		role := "user"
		switch m.Role {
		case provider.RoleSystem:
			continue
		case provider.RoleTool:
			for _, r := range m.ToolResults {
				name := r.Name
				if name == "" {
					name = names[r.ID]
				}
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{"name": name, "response": toolResultObject(r)},
				})
			}
		case provider.RoleAssistant:
			role = "model"
			if m.Text != "" {
				parts = append(parts, map[string]any{"text": m.Text})
			}
			for _, c := range m.ToolCalls {
				args := c.Input
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{"functionCall": map[string]any{"name": c.Name, "args": args}})
			}
		default:
			for _, f := range m.Files {
				if f.URL != "" {
					parts = append(parts, map[string]any{"fileData": map[string]any{"mimeType": f.ContentType, "fileUri": f.URL}})
				} else {
					parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": f.ContentType, "data": f.Data}})
				}
			}
			if m.Text != "" {
				parts = append(parts, map[string]any{"text": m.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, map[string]any{"role": role, "parts": parts})
	}
	return out
}

func geminiFinish(reason genai.FinishReason) string {
	switch reason {
	case "", genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return "content_filter"
	default:
		return "stop"
	}
}

func geminiUsage(u *genai.GenerateContentResponseUsageMetadata) usage.Tokens {
	return usage.Tokens{
		PromptTokens:     int64(u.PromptTokenCount),
		CompletionTokens: int64(u.CandidatesTokenCount),
		ReasoningTokens:  int64(u.ThoughtsTokenCount),
		CachedTokens:     int64(u.CachedContentTokenCount),
		TotalTokens:      int64(u.TotalTokenCount),
	}
}

// geminiDecoder applies generateContent responses; the unary body and every
// streamed event share the shape.
type geminiDecoder struct {
	tag      provider.Tag
	nextTool int
}

func (d *geminiDecoder) apply(sc *stream.Context, data []byte) error {
	if e := gjson.GetBytes(data, "error"); e.Exists() && e.Type != gjson.Null {
		return inBandError(d.tag, e)
	}
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		msg := fb.BlockReasonMessage
		if msg == "" {
			msg = "prompt blocked: " + string(fb.BlockReason)
		}
		sc.SetFinishReason("content_filter")
		sc.SetError(provider.RunError{Code: "blocked", Message: msg})
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				switch {
				case part.FunctionCall != nil:
					call := part.FunctionCall
					id := call.ID
					if id == "" {
						id = fmt.Sprintf("call_%d", d.nextTool)
					}
					args, err := json.Marshal(call.Args)
					if err != nil || call.Args == nil {
						args = []byte("{}")
					}
					sc.AddToolCallDelta(stream.ToolCallDelta{Index: d.nextTool, ID: id, Name: call.Name, Arguments: string(args), Done: true})
					d.nextTool++
				case part.Thought:
					sc.AddReasoningDelta(stream.ReasoningDelta{Text: part.Text})
				case part.Text != "":
					sc.AppendText(part.Text)
				}
			}
		}
		applyFinish(sc, geminiFinish(cand.FinishReason))
	}
	if resp.UsageMetadata != nil {
		sc.SetUsage(geminiUsage(resp.UsageMetadata))
	}
	return nil
}

func (w *geminiWire) decodeUnary(sc *stream.Context, body []byte) error {
	dec := &geminiDecoder{tag: w.tag}
	return dec.apply(sc, body)
}

func (w *geminiWire) newEventReader(body io.Reader) eventReader {
	return newSSEReader(body)
}

func (w *geminiWire) newStreamDecoder(provider.Options) streamDecoder {
	return &geminiDecoder{tag: w.tag}
}

// handle never ends the stream early; Gemini streams end at EOF.
func (d *geminiDecoder) handle(sc *stream.Context, ev rawEvent) (bool, error) {
	if ev.isDone() {
		return true, nil
	}
	if err := d.apply(sc, ev.Data); err != nil {
		if _, ok := err.(*provider.Error); ok {
			return false, err
		}
		return false, provider.DecodeError(d.tag, fmt.Errorf("stream event: %w", err))
	}
	return false, nil
}
