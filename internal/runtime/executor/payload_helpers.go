package executor

import (
	"fmt"
	"strings"

	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/provider"
)

// outputToolName is the synthetic tool used to carry structured output on
// APIs without a native JSON schema mode (Anthropic, Bedrock).
const outputToolName = "emit_structured_output"

const outputToolDescription = "Return the final answer. The input must match the schema exactly."

// defaultMaxTokens is used where the API requires max tokens.
const defaultMaxTokens = 4096

// systemText joins every system message; APIs with a separate system field
// take it from here.
func systemText(messages []provider.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == provider.RoleSystem && strings.TrimSpace(m.Text) != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// toolResultText renders a tool result as the text sent upstream.
func toolResultText(r provider.ToolResult) string {
	if r.Error != "" {
		return r.Error
	}
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// toolResultObject renders a tool result as a JSON object for APIs that
// require one (Gemini, Bedrock json blocks).
func toolResultObject(r provider.ToolResult) map[string]any {
	if r.Error != "" {
		return map[string]any{"error": r.Error}
	}
	if obj, ok := r.Output.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": r.Output}
}

// toolNames maps tool call ids to names so results can be attributed when
// the API wants the function name alongside the result.
func toolNames(messages []provider.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		for _, c := range m.ToolCalls {
			names[c.ID] = c.Name
		}
	}
	return names
}

func dataURL(f provider.File) string {
	if f.URL != "" {
		return f.URL
	}
	return "data:" + f.ContentType + ";base64," + f.Data
}

// toolSchema returns the tool's input schema, an empty object schema when
// none was given.
func toolSchema(t provider.Tool) json.RawMessage {
	if len(t.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.InputSchema
}

func marshalInput(input map[string]any) string {
	if input == nil {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// reasoningBudget maps a reasoning effort to a thinking token budget.
func reasoningBudget(effort string) int {
	switch strings.ToLower(effort) {
	case "", "none":
		return 0
	case "minimal", "low":
		return 1024
	case "high":
		return 16384
	default:
		return 4096
	}
}

func maxTokens(opts provider.Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return defaultMaxTokens
}

// finishRunError maps a normalized finish reason to an in-band run error.
func finishRunError(reason string) *provider.RunError {
	switch reason {
	case "max_tokens":
		return &provider.RunError{Code: "max_tokens", Message: "output truncated at the max token limit"}
	case "content_filter":
		return &provider.RunError{Code: "content_filter", Message: "output blocked by the provider's content filter"}
	case "refusal":
		return &provider.RunError{Code: "refusal", Message: "the model refused to answer"}
	}
	return nil
}
