// Package util estimates token counts locally for upstreams that stream
// without reporting usage.
package util

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/tiktoken-go/tokenizer"
)

const (
	// TokenEstimationThreshold is the size above which text is estimated
	// from its length instead of being tokenized.
	TokenEstimationThreshold = 100_000

	ImageTokenCost = 255
	AudioTokenCost = 300
	DocTokenCost   = 500

	tokensPerMessage = 3
	replyPriming     = 3
)

var (
	codecCache   = make(map[tokenizer.Encoding]tokenizer.Codec)
	codecCacheMu sync.RWMutex

	schemaTokens = newTokenCache(256)
)

// EncodingFor picks the tiktoken encoding closest to the model's own
// tokenizer.
func EncodingFor(model string) tokenizer.Encoding {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-4o"),
		strings.Contains(lower, "gpt-4.1"),
		strings.Contains(lower, "gpt-5"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		return tokenizer.O200kBase
	case strings.Contains(lower, "gpt-4"),
		strings.Contains(lower, "gpt-3.5"),
		strings.Contains(lower, "turbo"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

func codecFor(model string) (tokenizer.Codec, error) {
	encoding := EncodingFor(model)

	codecCacheMu.RLock()
	codec, ok := codecCache[encoding]
	codecCacheMu.RUnlock()
	if ok {
		return codec, nil
	}

	codecCacheMu.Lock()
	defer codecCacheMu.Unlock()
	if codec, ok := codecCache[encoding]; ok {
		return codec, nil
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}
	codecCache[encoding] = codec
	return codec, nil
}

// CountText counts the tokens of s for model. Very large inputs and codec
// failures fall back to a length based estimate.
func CountText(model, s string) int64 {
	if s == "" {
		return 0
	}
	if len(s) > TokenEstimationThreshold {
		return EstimateTokens(s)
	}
	codec, err := codecFor(model)
	if err != nil {
		return EstimateTokens(s)
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return EstimateTokens(s)
	}
	return int64(len(ids))
}

// CountPrompt approximates the prompt tokens of a request: message text,
// tool calls and results, attachments at a flat cost, tool definitions and
// the output schema.
func CountPrompt(model string, opts provider.Options, messages []provider.Message) int64 {
	var total int64
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]
		total += tokensPerMessage
		sb.Reset()
		sb.WriteString(string(msg.Role))
		sb.WriteByte('\n')
		sb.WriteString(msg.Text)
		for _, call := range msg.ToolCalls {
			sb.WriteString(call.Name)
			if args, err := json.Marshal(call.Input); err == nil {
				sb.Write(args)
			}
		}
		for _, res := range msg.ToolResults {
			if data, err := json.Marshal(res.Output); err == nil {
				sb.Write(data)
			}
			sb.WriteString(res.Error)
		}
		total += CountText(model, sb.String())
		for _, f := range msg.Files {
			total += fileCost(f)
		}
	}
	if len(opts.Tools) > 0 {
		if data, err := json.Marshal(opts.Tools); err == nil {
			total += countCached(model, string(data))
		}
	}
	if opts.StructuredGeneration() {
		total += countCached(model, string(opts.WrappedSchema()))
	}
	return total + replyPriming
}

func fileCost(f provider.File) int64 {
	switch {
	case f.IsImage():
		return ImageTokenCost
	case f.IsAudio():
		return AudioTokenCost
	default:
		return DocTokenCost
	}
}

func countCached(model, s string) int64 {
	key := model + "\x00" + s
	if n, ok := schemaTokens.get(key); ok {
		return n
	}
	n := CountText(model, s)
	schemaTokens.set(key, n)
	return n
}

// EstimateTokens approximates from length. JSON, base64 and code tokenize
// denser than prose.
func EstimateTokens(s string) int64 {
	sample := s
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	divisor := 3.5
	trimmed := strings.TrimSpace(sample)
	switch {
	case strings.HasPrefix(trimmed, "data:"):
		divisor = 4.0
	case len(trimmed) > 1 && (trimmed[0] == '{' || trimmed[0] == '['):
		divisor = 4.0
	case strings.Contains(sample, "func ") || strings.Contains(sample, "def ") || strings.Contains(sample, "{\n"):
		divisor = 4.2
	}
	return int64(float64(len(s)) / divisor)
}

// tokenCache is a small bounded cache for tool definitions and schemas,
// which repeat across calls from the same tenant.
type tokenCache struct {
	mu      sync.Mutex
	limit   int
	order   []uint64
	entries map[uint64]int64
}

func newTokenCache(limit int) *tokenCache {
	return &tokenCache{limit: limit, entries: make(map[uint64]int64, limit)}
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func (c *tokenCache) get(key string) (int64, bool) {
	h := hashKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[h]
	return n, ok
}

func (c *tokenCache) set(key string, n int64) {
	h := hashKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[h]; ok {
		c.entries[h] = n
		return
	}
	if len(c.order) >= c.limit {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, h)
	c.entries[h] = n
}
