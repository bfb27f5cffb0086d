package provider

import (
	"strings"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/usage"
)

// DefaultTimeout bounds every unary and streaming call unless overridden.
const DefaultTimeout = 180 * time.Second

// TaskOutputKey is the envelope key used when Options.WrapOutput is set.
const TaskOutputKey = "task_output"

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// File is an attachment. Either URL or Data (base64) is set.
type File struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url,omitempty"`
	Data        string `json:"data,omitempty"`
}

func (f File) IsImage() bool { return strings.HasPrefix(f.ContentType, "image/") }
func (f File) IsAudio() bool { return strings.HasPrefix(f.ContentType, "audio/") }
func (f File) IsPDF() bool   { return f.ContentType == "application/pdf" }

// Tool is a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a completed tool call request produced by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult answers a previous ToolCall.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	Files       []File       `json:"files,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Options is the per-request configuration. Clients treat it as read-only.
type Options struct {
	Model           string          `json:"model"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
	Tools           []Tool          `json:"tools,omitempty"`
	TenantID        string          `json:"tenant_id,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`

	// WrapOutput places the structured output under TaskOutputKey.
	WrapOutput bool `json:"wrap_output,omitempty"`

	// UpstreamModel is filled by the Manager on its per-candidate copy with
	// the provider-specific model id. Empty means use Model.
	UpstreamModel string `json:"-"`
}

// TargetModel is the model id to send upstream.
func (o Options) TargetModel() string {
	if o.UpstreamModel != "" {
		return o.UpstreamModel
	}
	return o.Model
}

// StructuredGeneration reports whether a JSON output is expected.
func (o Options) StructuredGeneration() bool {
	return len(o.OutputSchema) > 0 || o.WrapOutput
}

// EffectiveTimeout returns Timeout or fallback (DefaultTimeout when zero).
func (o Options) EffectiveTimeout(fallback time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}

// WrappedSchema returns the schema sent upstream, enveloped when WrapOutput
// is set.
func (o Options) WrappedSchema() json.RawMessage {
	schema := o.OutputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	if !o.WrapOutput {
		return schema
	}
	wrapped, err := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           map[string]json.RawMessage{TaskOutputKey: schema},
		"required":             []string{TaskOutputKey},
		"additionalProperties": false,
	})
	if err != nil {
		return schema
	}
	return wrapped
}

// ReasoningStep is one step of model reasoning surfaced to the caller.
type ReasoningStep struct {
	Title       string `json:"title,omitempty"`
	Explanation string `json:"explanation"`
}

// RunError is an error the model run itself reported (refusal, content
// filter, max tokens), as opposed to a transport failure.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Output is the normalized result every client produces.
type Output struct {
	Output     map[string]any  `json:"output,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Error      *RunError       `json:"error,omitempty"`
	Reasoning  []ReasoningStep `json:"reasoning,omitempty"`
	Accounting *usage.Record   `json:"accounting,omitempty"`
}

// IsEmpty reports whether nothing has been produced yet.
func (o Output) IsEmpty() bool {
	return len(o.Output) == 0 && o.Text == "" && len(o.ToolCalls) == 0 && o.Error == nil && len(o.Reasoning) == 0
}

// StreamChunk is one element of a streamed call. Final marks the finalized
// output; Err terminates the stream.
type StreamChunk struct {
	Output Output
	Final  bool
	Err    error
}
