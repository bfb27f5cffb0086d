// Package stream turns a provider's incremental output (text tokens, tool
// call fragments, reasoning deltas) into progressively complete
// provider.Output snapshots.
package stream

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/usage"
)

// ToolCallDelta is one fragment of a streamed tool call. Fragments for the
// same call share Index and may arrive in any order.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Done      bool
}

// ReasoningDelta is one fragment of model reasoning.
type ReasoningDelta struct {
	Title   string
	Text    string
	NewStep bool
}

// Completion is the raw record of what the stream produced.
type Completion struct {
	Text         string
	Usage        usage.Tokens
	HasUsage     bool
	FinishReason string
}

type toolFragment struct {
	index    int
	id       string
	name     string
	args     strings.Builder
	complete bool

	parsedLen int
	parsedAt  time.Time
	input     map[string]any
}

// Option configures a Context.
type Option func(*Context)

// WithOutputKey unwraps the structured output from the named envelope key.
func WithOutputKey(key string) Option {
	return func(c *Context) { c.outputKey = key }
}

// WithTextMode disables JSON decoding; the accumulated text is the output.
func WithTextMode() Option {
	return func(c *Context) { c.textMode = true }
}

// WithReparseEvery re-parses the buffer only after n new bytes.
func WithReparseEvery(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.policy.MinBytes = n
		}
	}
}

// WithReparsePolicy replaces the re-parse bounds.
func WithReparsePolicy(p ReparsePolicy) Option {
	return func(c *Context) { c.policy = p }
}

// WithProvider tags decode errors with the provider that produced the stream.
func WithProvider(tag provider.Tag) Option {
	return func(c *Context) { c.provider = tag }
}

// Context accumulates one stream. It is owned by a single goroutine.
type Context struct {
	outputKey string
	textMode  bool
	policy    ReparsePolicy
	provider  provider.Tag
	now       func() time.Time

	buf      strings.Builder
	pending  int
	parsed   map[string]any
	parsedAt time.Time
	reparses int

	tools     map[int]*toolFragment
	reasoning []provider.ReasoningStep
	runErr    *provider.RunError

	completion Completion

	last provider.Output

	finalized bool
	final     provider.Output
	finalErr  error
}

func NewContext(opts ...Option) *Context {
	c := &Context{policy: DefaultReparsePolicy(), now: time.Now, tools: make(map[int]*toolFragment)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppendText adds completion text.
func (c *Context) AppendText(s string) {
	if c.finalized || s == "" {
		return
	}
	c.buf.WriteString(s)
	c.pending += len(s)
}

// AddToolCallDelta merges a tool call fragment by index.
func (c *Context) AddToolCallDelta(d ToolCallDelta) {
	if c.finalized {
		return
	}
	frag, ok := c.tools[d.Index]
	if !ok {
		frag = &toolFragment{index: d.Index}
		c.tools[d.Index] = frag
	}
	if d.ID != "" {
		frag.id = d.ID
	}
	if d.Name != "" {
		frag.name = d.Name
	}
	frag.args.WriteString(d.Arguments)
	if d.Done {
		frag.complete = true
	}
}

// AddReasoningDelta extends the last reasoning step or starts a new one.
func (c *Context) AddReasoningDelta(d ReasoningDelta) {
	if c.finalized || (d.Text == "" && d.Title == "") {
		return
	}
	n := len(c.reasoning)
	if !d.NewStep && n > 0 && (d.Title == "" || d.Title == c.reasoning[n-1].Title) {
		c.reasoning[n-1].Explanation += d.Text
		return
	}
	c.reasoning = append(c.reasoning, provider.ReasoningStep{Title: d.Title, Explanation: d.Text})
}

func (c *Context) SetUsage(t usage.Tokens) {
	if c.finalized {
		return
	}
	c.completion.Usage = t.Normalize()
	c.completion.HasUsage = true
}

func (c *Context) SetFinishReason(reason string) {
	if c.finalized || reason == "" {
		return
	}
	c.completion.FinishReason = reason
}

// SetError records an error the model run reported in-band.
func (c *Context) SetError(e provider.RunError) {
	if c.finalized {
		return
	}
	c.runErr = &e
}

// Completion returns the raw text, usage and finish reason seen so far.
func (c *Context) Completion() Completion {
	out := c.completion
	out.Text = c.buf.String()
	return out
}

// Finalized reports whether Finalize has run.
func (c *Context) Finalized() bool {
	return c.finalized
}

// Snapshot returns the current best-effort output and whether it differs
// structurally from the previous snapshot returned with changed=true.
// A buffer that cannot be parsed yet keeps the previous output.
func (c *Context) Snapshot() (provider.Output, bool) {
	if c.finalized {
		return c.final, false
	}
	out := c.partialOutput()
	if reflect.DeepEqual(out, c.last) {
		return out, false
	}
	c.last = out
	return out, true
}

func (c *Context) partialOutput() provider.Output {
	var out provider.Output
	if c.textMode {
		out.Text = c.buf.String()
	} else {
		if now := c.now(); c.policy.due(c.pending, c.buf.Len(), c.parsedAt, now) {
			c.pending = 0
			c.parsedAt = now
			c.reparses++
			if v, ok := ParsePartial(c.buf.String()); ok {
				if obj, ok := v.(map[string]any); ok {
					c.parsed = c.unwrap(obj)
				}
			}
		}
		out.Output = c.parsed
	}
	out.ToolCalls = c.partialToolCalls()
	if len(c.reasoning) > 0 {
		out.Reasoning = append([]provider.ReasoningStep(nil), c.reasoning...)
	}
	if c.runErr != nil {
		e := *c.runErr
		out.Error = &e
	}
	return out
}

// unwrap returns the envelope content, or an empty object while the
// envelope key has not streamed in yet.
func (c *Context) unwrap(obj map[string]any) map[string]any {
	if c.outputKey == "" {
		return obj
	}
	if inner, ok := obj[c.outputKey].(map[string]any); ok {
		return inner
	}
	return map[string]any{}
}

func (c *Context) sortedTools() []*toolFragment {
	frags := make([]*toolFragment, 0, len(c.tools))
	for _, f := range c.tools {
		frags = append(frags, f)
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].index < frags[j].index })
	return frags
}

// partialToolCalls re-parses each call's arguments under the same policy as
// the text buffer. A new fragment, and one that just completed, is always
// parsed.
func (c *Context) partialToolCalls() []provider.ToolCall {
	if len(c.tools) == 0 {
		return nil
	}
	calls := make([]provider.ToolCall, 0, len(c.tools))
	for _, f := range c.sortedTools() {
		args := f.args.String()
		pending := len(args) - f.parsedLen
		now := c.now()
		if f.parsedAt.IsZero() || (f.complete && pending > 0) || c.policy.due(pending, len(args), f.parsedAt, now) {
			f.parsedLen = len(args)
			f.parsedAt = now
			c.reparses++
			if input, err := parseArguments(args); err == nil {
				f.input = input
			} else if !f.complete {
				if v, ok := ParsePartial(args); ok {
					if obj, ok := v.(map[string]any); ok {
						f.input = obj
					}
				}
			} else {
				f.input = nil
			}
		}
		calls = append(calls, provider.ToolCall{ID: f.id, Name: f.name, Input: f.input})
	}
	return calls
}

func parseArguments(args string) (map[string]any, error) {
	if strings.TrimSpace(args) == "" {
		return map[string]any{}, nil
	}
	return json.DecodeObject([]byte(args))
}

// Finalize strictly decodes the whole stream. It runs once; later calls
// return the same result.
func (c *Context) Finalize() (provider.Output, error) {
	if c.finalized {
		return c.final, c.finalErr
	}
	c.finalized = true
	c.final, c.finalErr = c.finalize()
	return c.final, c.finalErr
}

func (c *Context) finalize() (provider.Output, error) {
	var out provider.Output
	text := c.buf.String()

	switch {
	case c.textMode:
		out.Text = text
	case strings.TrimSpace(text) != "":
		obj, err := json.DecodeObject([]byte(stripFences(text)))
		if err != nil {
			return provider.Output{}, provider.DecodeError(c.provider, fmt.Errorf("structured output: %w", err))
		}
		if c.outputKey != "" {
			inner, ok := obj[c.outputKey].(map[string]any)
			if !ok {
				return provider.Output{}, provider.DecodeError(c.provider, fmt.Errorf("structured output: missing %q object", c.outputKey))
			}
			obj = inner
		}
		out.Output = obj
	}

	for _, f := range c.sortedTools() {
		input, err := parseArguments(f.args.String())
		if err != nil {
			return provider.Output{}, provider.DecodeError(c.provider, fmt.Errorf("tool call %d (%s) arguments: %w", f.index, f.name, err))
		}
		if f.name == "" {
			return provider.Output{}, provider.DecodeError(c.provider, errors.New("tool call without a name"))
		}
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{ID: f.id, Name: f.name, Input: input})
	}
	if len(c.reasoning) > 0 {
		out.Reasoning = append([]provider.ReasoningStep(nil), c.reasoning...)
	}
	if c.runErr != nil {
		e := *c.runErr
		out.Error = &e
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
