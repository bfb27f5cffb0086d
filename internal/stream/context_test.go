package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/usage"
)

// ==================== Snapshot Tests ====================

func TestSnapshotEmitsOnStructuralChange(t *testing.T) {
	c := NewContext()

	c.AppendText(`{"a":1,"b":`)
	out, changed := c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{"a": float64(1)}, out.Output)

	_, changed = c.Snapshot()
	assert.False(t, changed, "no new data must not emit")

	c.AppendText(" ")
	_, changed = c.Snapshot()
	assert.False(t, changed, "whitespace does not change structure")

	c.AppendText(`2}`)
	out, changed = c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, out.Output)

	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, final.Output)
}

func TestChunkBoundariesDoNotMatter(t *testing.T) {
	split := NewContext()
	split.AppendText(`{"a":1,"b":`)
	split.Snapshot()
	split.AppendText(`2}`)
	splitOut, err := split.Finalize()
	require.NoError(t, err)

	whole := NewContext()
	whole.AppendText(`{"a":1,"b":2}`)
	snap, changed := whole.Snapshot()
	require.True(t, changed)
	wholeOut, err := whole.Finalize()
	require.NoError(t, err)

	assert.Equal(t, splitOut, wholeOut)
	assert.Equal(t, snap.Output, wholeOut.Output)
}

func TestSnapshotKeepsPreviousOnUnparseable(t *testing.T) {
	c := NewContext()
	c.AppendText(`{"a":1,`)
	out, changed := c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{"a": float64(1)}, out.Output)

	c.AppendText(`oops`)
	out, changed = c.Snapshot()
	assert.False(t, changed)
	assert.Equal(t, map[string]any{"a": float64(1)}, out.Output)
}

func TestSnapshotUnwrapsOutputKey(t *testing.T) {
	c := NewContext(WithOutputKey(provider.TaskOutputKey))

	c.AppendText(`{"task_output":{"x":`)
	out, changed := c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{}, out.Output)

	c.AppendText(`1}}`)
	out, changed = c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{"x": float64(1)}, out.Output)

	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, final.Output)
}

func TestReparseEvery(t *testing.T) {
	c := NewContext(WithReparseEvery(8))
	c.AppendText(`{"a":1`)
	_, changed := c.Snapshot()
	assert.False(t, changed, "below the byte threshold")

	c.AppendText(`,"b":2}`)
	out, changed := c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, out.Output)
}

func TestTextMode(t *testing.T) {
	c := NewContext(WithTextMode())
	c.AppendText("Hello")
	out, changed := c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, "Hello", out.Text)

	c.AppendText(", world")
	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", final.Text)
	assert.Nil(t, final.Output)
}

// ==================== Tool Call Tests ====================

func TestToolCallsOutOfOrder(t *testing.T) {
	c := NewContext()
	c.AddToolCallDelta(ToolCallDelta{Index: 1, ID: "t1"})
	c.AddToolCallDelta(ToolCallDelta{Index: 0, ID: "t0", Name: "search"})
	c.AddToolCallDelta(ToolCallDelta{Index: 1, Name: "fetch"})

	out, err := c.Finalize()
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 2)
	assert.Equal(t, "t0", out.ToolCalls[0].ID)
	assert.Equal(t, "search", out.ToolCalls[0].Name)
	assert.Equal(t, "t1", out.ToolCalls[1].ID)
	assert.Equal(t, "fetch", out.ToolCalls[1].Name)
}

func TestToolCallArgumentsStreamed(t *testing.T) {
	c := NewContext()
	c.AddToolCallDelta(ToolCallDelta{Index: 0, ID: "call_1", Name: "search", Arguments: `{"query":"go`})

	out, changed := c.Snapshot()
	require.True(t, changed)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, map[string]any{"query": "go"}, out.ToolCalls[0].Input)

	c.AddToolCallDelta(ToolCallDelta{Index: 0, Arguments: ` modules","limit":5}`, Done: true})
	out, changed = c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, map[string]any{"query": "go modules", "limit": float64(5)}, out.ToolCalls[0].Input)

	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Equal(t, out.ToolCalls, final.ToolCalls)
}

func TestToolCallMalformedArgumentsFailFinalize(t *testing.T) {
	c := NewContext(WithProvider(provider.TagOpenAI))
	c.AddToolCallDelta(ToolCallDelta{Index: 0, ID: "c", Name: "search", Arguments: `{"query":`})

	_, err := c.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrDecode)
}

// ==================== Reasoning Tests ====================

func TestReasoningSteps(t *testing.T) {
	c := NewContext(WithTextMode())
	c.AddReasoningDelta(ReasoningDelta{Title: "Plan", Text: "Look up "})
	c.AddReasoningDelta(ReasoningDelta{Text: "the docs."})
	c.AddReasoningDelta(ReasoningDelta{Title: "Plan", Text: " Then answer."})
	c.AddReasoningDelta(ReasoningDelta{Title: "Check", Text: "Verify."})
	c.AddReasoningDelta(ReasoningDelta{Text: "Fresh step.", NewStep: true})

	out, changed := c.Snapshot()
	require.True(t, changed)
	assert.Equal(t, []provider.ReasoningStep{
		{Title: "Plan", Explanation: "Look up the docs. Then answer."},
		{Title: "Check", Explanation: "Verify."},
		{Explanation: "Fresh step."},
	}, out.Reasoning)
}

// ==================== Finalize Tests ====================

func TestFinalizeIdempotent(t *testing.T) {
	c := NewContext()
	c.AppendText(`{"answer":42}`)
	c.AddToolCallDelta(ToolCallDelta{Index: 0, ID: "t", Name: "noop"})

	first, err1 := c.Finalize()
	second, err2 := c.Finalize()
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)

	c.AppendText(`garbage`)
	third, err3 := c.Finalize()
	require.NoError(t, err3)
	assert.Equal(t, first, third, "data after finalize is ignored")
}

func TestFinalizeIdempotentOnError(t *testing.T) {
	c := NewContext()
	c.AppendText(`{"answer":`)

	_, err1 := c.Finalize()
	_, err2 := c.Finalize()
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
}

func TestFinalizeDecodeError(t *testing.T) {
	c := NewContext(WithProvider(provider.TagAnthropic))
	c.AppendText(`{"a":1,}`)

	_, err := c.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrDecode)
	assert.Equal(t, provider.TagAnthropic, err.(*provider.Error).Provider)
}

func TestFinalizeMissingEnvelope(t *testing.T) {
	c := NewContext(WithOutputKey(provider.TaskOutputKey))
	c.AppendText(`{"x":1}`)

	_, err := c.Finalize()
	assert.ErrorIs(t, err, provider.ErrDecode)
}

func TestFinalizeNullIsDecodeError(t *testing.T) {
	c := NewContext(WithProvider(provider.TagGoogleGemini))
	c.AppendText(" null ")

	out, err := c.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrDecode)
	assert.True(t, out.IsEmpty())
}

func TestFinalizeNullToolArgumentsIsDecodeError(t *testing.T) {
	c := NewContext(WithTextMode())
	c.AddToolCallDelta(ToolCallDelta{Index: 0, ID: "c", Name: "search", Arguments: "null", Done: true})

	_, err := c.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrDecode)
}

func TestFinalizeEmptyStream(t *testing.T) {
	c := NewContext()
	out, err := c.Finalize()
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
}

func TestFinalizeEmptyStreamWithRunError(t *testing.T) {
	c := NewContext()
	c.SetError(provider.RunError{Code: "content_filter", Message: "blocked"})
	out, err := c.Finalize()
	require.NoError(t, err)
	require.NotNil(t, out.Error)
	assert.Equal(t, "content_filter", out.Error.Code)
}

func TestFinalizeStripsFences(t *testing.T) {
	c := NewContext()
	c.AppendText("```json\n{\"ok\":true}\n```")
	out, err := c.Finalize()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out.Output)
}

func TestCompletionRecord(t *testing.T) {
	c := NewContext(WithTextMode())
	c.AppendText("hi")
	c.SetUsage(usage.Tokens{PromptTokens: 3, CompletionTokens: 1})
	c.SetFinishReason("stop")

	comp := c.Completion()
	assert.Equal(t, "hi", comp.Text)
	assert.True(t, comp.HasUsage)
	assert.Equal(t, int64(4), comp.Usage.TotalTokens)
	assert.Equal(t, "stop", comp.FinishReason)
}
