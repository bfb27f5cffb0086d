package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const bedrockService = "bedrock"

// BedrockClient speaks the Converse API with SigV4 signed requests.
type BedrockClient struct {
	baseClient
}

type bedrockWire struct {
	tag     provider.Tag
	headers map[string]string
	cfg     *config.BedrockConfig
	signer  *v4.Signer
	creds   aws.Credentials
	now     func() time.Time
}

// NewBedrockClient builds the client for bedrock-runtime. The region is
// chosen per model.
func NewBedrockClient(cfg *config.BedrockConfig, deps Deps) *BedrockClient {
	base := newBaseClient(provider.TagBedrock, cfg.Common, deps)
	base.wire = &bedrockWire{
		tag:     base.tag,
		headers: base.headers,
		cfg:     cfg,
		signer:  v4.NewSigner(),
		creds: aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Source:          "llm-relay",
		},
		now: time.Now,
	}
	return &BedrockClient{baseClient: base}
}

func (w *bedrockWire) endpoint(model, region string, streamed bool) string {
	root := w.cfg.BaseURL
	if root == "" {
		root = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	method := "converse"
	if streamed {
		method = "converse-stream"
	}
	return root + "/model/" + url.PathEscape(model) + "/" + method
}

func (w *bedrockWire) buildRequest(ctx context.Context, opts provider.Options, messages []provider.Message, streamed bool) (*http.Request, error) {
	model := opts.TargetModel()
	body, err := buildBedrockPayload(opts, messages)
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	region := w.cfg.RegionFor(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint(model, region, streamed), bytes.NewReader(body))
	if err != nil {
		return nil, invalidRequest(w.tag, err)
	}
	applyHeaders(req, w.headers, nil, false)
	if streamed {
		req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}
	sum := sha256.Sum256(body)
	if err := w.signer.SignHTTP(ctx, w.creds, req, hex.EncodeToString(sum[:]), bedrockService, region, w.now()); err != nil {
		return nil, &provider.Error{Kind: provider.KindAuth, Provider: w.tag, Message: "sign request", Err: err}
	}
	return req, nil
}

func buildBedrockPayload(opts provider.Options, messages []provider.Message) ([]byte, error) {
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

	set("messages", bedrockMessages(messages))
	if sys := systemText(messages); sys != "" {
		set("system.0.text", sys)
	}
	budget := 0
	if strings.Contains(opts.TargetModel(), "anthropic") {
		budget = reasoningBudget(opts.ReasoningEffort)
	}
	limit := maxTokens(opts)
	if budget > 0 && limit <= budget {
		limit = budget + defaultMaxTokens
	}
	set("inferenceConfig.maxTokens", limit)
	if budget > 0 {
		set("additionalModelRequestFields.thinking", map[string]any{"type": "enabled", "budget_tokens": budget})
	} else if opts.Temperature != nil {
		set("inferenceConfig.temperature", *opts.Temperature)
	}

	i := 0
	for _, t := range opts.Tools {
		prefix := fmt.Sprintf("toolConfig.tools.%d.toolSpec.", i)
		set(prefix+"name", t.Name)
		if t.Description != "" {
			set(prefix+"description", t.Description)
		}
		setRaw(prefix+"inputSchema.json", toolSchema(t))
		i++
	}
	if opts.StructuredGeneration() {
		prefix := fmt.Sprintf("toolConfig.tools.%d.toolSpec.", i)
		set(prefix+"name", outputToolName)
		set(prefix+"description", outputToolDescription)
		setRaw(prefix+"inputSchema.json", opts.WrappedSchema())
		switch {
		case budget > 0:
			setRaw("toolConfig.toolChoice.auto", []byte(`{}`))
		case len(opts.Tools) > 0:
			setRaw("toolConfig.toolChoice.any", []byte(`{}`))
		default:
			set("toolConfig.toolChoice.tool.name", outputToolName)
		}
	}
	return body, err
}

func bedrockMessages(messages []provider.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		var content []map[string]any
		role := "user"
		switch m.Role {
		case provider.RoleSystem:
			continue
		case provider.RoleTool:
			for _, r := range m.ToolResults {
				status := "success"
				if r.Error != "" {
					status = "error"
				}
				content = append(content, map[string]any{"toolResult": map[string]any{
					"toolUseId": r.ID,
					"content":   []map[string]any{{"json": toolResultObject(r)}},
					"status":    status,
				}})
			}
		case provider.RoleAssistant:
			role = "assistant"
			if m.Text != "" {
				content = append(content, map[string]any{"text": m.Text})
			}
			for _, c := range m.ToolCalls {
				input := c.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{"toolUse": map[string]any{"toolUseId": c.ID, "name": c.Name, "input": input}})
			}
		default:
			for n, f := range m.Files {
				if block := bedrockFileBlock(f, n); block != nil {
					content = append(content, block)
				}
			}
			if m.Text != "" {
				content = append(content, map[string]any{"text": m.Text})
			}
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, map[string]any{"role": role, "content": content})
	}
	return out
}

// bedrockFileBlock converts an inline attachment. Converse only takes bytes
// or S3 locations, so URL attachments are dropped.
func bedrockFileBlock(f provider.File, n int) map[string]any {
	if f.Data == "" {
		log.Warnf("bedrock: dropping %s attachment given by url", f.ContentType)
		return nil
	}
	format := f.ContentType
	if i := strings.IndexByte(format, '/'); i >= 0 {
		format = format[i+1:]
	}
	source := map[string]any{"bytes": f.Data}
	if f.IsImage() {
		if format == "jpg" {
			format = "jpeg"
		}
		return map[string]any{"image": map[string]any{"format": format, "source": source}}
	}
	switch format {
	case "plain":
		format = "txt"
	case "markdown":
		format = "md"
	}
	return map[string]any{"document": map[string]any{
		"format": format,
		"name":   fmt.Sprintf("document-%d", n+1),
		"source": source,
	}}
}

func bedrockFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "max_tokens":
		return "max_tokens"
	case "guardrail_intervened", "content_filtered":
		return "content_filter"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func bedrockUsage(u gjson.Result) usage.Tokens {
	return usage.Tokens{
		PromptTokens:     u.Get("inputTokens").Int(),
		CompletionTokens: u.Get("outputTokens").Int(),
		TotalTokens:      u.Get("totalTokens").Int(),
		CachedTokens:     u.Get("cacheReadInputTokens").Int(),
	}
}

// bedrockErrorKind maps exception names such as throttlingException.
func bedrockErrorKind(name, msg string) provider.Kind {
	switch strings.ToLower(strings.TrimSuffix(name, ":")) {
	case "throttlingexception", "servicequotaexceededexception":
		return provider.KindRateLimited
	case "accessdeniedexception", "unrecognizedclientexception":
		return provider.KindAuth
	case "validationexception", "resourcenotfoundexception":
		return provider.KindInvalidRequest
	case "modeltimeoutexception":
		return provider.KindTimeout
	}
	if k := provider.KindFromStatus(0, name+" "+msg); k != provider.KindUnknown {
		return k
	}
	return provider.KindUnavailable
}

func (w *bedrockWire) decodeUnary(sc *stream.Context, body []byte) error {
	root := gjson.ParseBytes(body)
	content := root.Get("output.message.content").Array()
	structured := false
	for _, block := range content {
		if block.Get("toolUse.name").String() == outputToolName {
			structured = true
		}
	}
	toolIndex := 0
	for _, block := range content {
		switch {
		case block.Get("toolUse").Exists():
			tu := block.Get("toolUse")
			input := tu.Get("input").Raw
			if input == "" || input == "null" {
				input = "{}"
			}
			if tu.Get("name").String() == outputToolName {
				sc.AppendText(input)
				continue
			}
			sc.AddToolCallDelta(stream.ToolCallDelta{
				Index:     toolIndex,
				ID:        tu.Get("toolUseId").String(),
				Name:      tu.Get("name").String(),
				Arguments: input,
				Done:      true,
			})
			toolIndex++
		case block.Get("reasoningContent").Exists():
			sc.AddReasoningDelta(stream.ReasoningDelta{Text: block.Get("reasoningContent.reasoningText.text").String(), NewStep: true})
		case block.Get("text").Exists():
			if !structured {
				sc.AppendText(block.Get("text").String())
			}
		}
	}
	applyFinish(sc, bedrockFinish(root.Get("stopReason").String()))
	if u := root.Get("usage"); u.Exists() {
		sc.SetUsage(bedrockUsage(u))
	}
	return nil
}

func (w *bedrockWire) newEventReader(body io.Reader) eventReader {
	return &eventStreamReader{body: body, decoder: eventstream.NewDecoder()}
}

// eventStreamReader decodes application/vnd.amazon.eventstream frames.
// Exceptions become events of type "exception" carrying the exception name
// in a synthetic "__type" field.
type eventStreamReader struct {
	body    io.Reader
	decoder *eventstream.Decoder
	buf     []byte
}

func headerString(h eventstream.Headers, name string) string {
	if v := h.Get(name); v != nil {
		return v.String()
	}
	return ""
}

func (r *eventStreamReader) Next() (rawEvent, error) {
	msg, err := r.decoder.Decode(r.body, r.buf)
	if err != nil {
		return rawEvent{}, err
	}
	r.buf = msg.Payload[:0]
	payload := bytes.Clone(msg.Payload)

	switch headerString(msg.Headers, ":message-type") {
	case "exception":
		payload, _ = sjson.SetBytes(payload, "__type", headerString(msg.Headers, ":exception-type"))
		return rawEvent{Type: "exception", Data: payload}, nil
	case "error":
		payload, _ = sjson.SetBytes([]byte(`{}`), "__type", headerString(msg.Headers, ":error-code"))
		payload, _ = sjson.SetBytes(payload, "message", headerString(msg.Headers, ":error-message"))
		return rawEvent{Type: "exception", Data: payload}, nil
	}
	return rawEvent{Type: headerString(msg.Headers, ":event-type"), Data: payload}, nil
}

func (r *eventStreamReader) Close() {}

func (w *bedrockWire) newStreamDecoder(opts provider.Options) streamDecoder {
	return &bedrockStreamDecoder{
		tag:        w.tag,
		structured: opts.StructuredGeneration(),
		blocks:     make(map[int64]anthropicBlock),
	}
}

type bedrockStreamDecoder struct {
	tag        provider.Tag
	structured bool
	blocks     map[int64]anthropicBlock
	nextTool   int
	newStep    bool
}

func (d *bedrockStreamDecoder) handle(sc *stream.Context, ev rawEvent) (bool, error) {
	data := gjson.ParseBytes(ev.Data)
	index := data.Get("contentBlockIndex").Int()
	switch ev.Type {
	case "messageStart":
		d.newStep = true
	case "contentBlockStart":
		tu := data.Get("start.toolUse")
		if !tu.Exists() {
			return false, nil
		}
		if tu.Get("name").String() == outputToolName {
			d.blocks[index] = anthropicBlock{kind: "output"}
			return false, nil
		}
		b := anthropicBlock{kind: "tool", toolIndex: d.nextTool}
		d.nextTool++
		d.blocks[index] = b
		sc.AddToolCallDelta(stream.ToolCallDelta{Index: b.toolIndex, ID: tu.Get("toolUseId").String(), Name: tu.Get("name").String()})
	case "contentBlockDelta":
		delta := data.Get("delta")
		switch {
		case delta.Get("toolUse").Exists():
			input := delta.Get("toolUse.input").String()
			switch b := d.blocks[index]; b.kind {
			case "output":
				sc.AppendText(input)
			case "tool":
				sc.AddToolCallDelta(stream.ToolCallDelta{Index: b.toolIndex, Arguments: input})
			}
		case delta.Get("reasoningContent").Exists():
			if text := delta.Get("reasoningContent.text").String(); text != "" {
				sc.AddReasoningDelta(stream.ReasoningDelta{Text: text, NewStep: d.newStep})
				d.newStep = false
			}
		case delta.Get("text").Exists():
			if !d.structured {
				sc.AppendText(delta.Get("text").String())
			}
		}
	case "contentBlockStop":
		if b, ok := d.blocks[index]; ok && b.kind == "tool" {
			sc.AddToolCallDelta(stream.ToolCallDelta{Index: b.toolIndex, Done: true})
		}
	case "messageStop":
		applyFinish(sc, bedrockFinish(data.Get("stopReason").String()))
	case "metadata":
		if u := data.Get("usage"); u.Exists() {
			sc.SetUsage(bedrockUsage(u))
		}
		// metadata is the last event of a Converse stream
		return true, nil
	case "exception":
		name, msg := data.Get("__type").String(), data.Get("message").String()
		if msg == "" {
			msg = data.Get("Message").String()
		}
		return false, &provider.Error{Kind: bedrockErrorKind(name, msg), Provider: d.tag, Message: strings.TrimSpace(name + ": " + msg)}
	}
	return false, nil
}
