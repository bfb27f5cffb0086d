package provider

import (
	"strings"
)

// Tag identifies one upstream API family.
type Tag string

const (
	TagOpenAI       Tag = "openai"
	TagAzureOpenAI  Tag = "azure_openai"
	TagAnthropic    Tag = "anthropic"
	TagBedrock      Tag = "amazon_bedrock"
	TagGoogleGemini Tag = "google_gemini"
	TagGoogle       Tag = "google"
	TagGroq         Tag = "groq"
	TagMistral      Tag = "mistral_ai"
	TagXAI          Tag = "x_ai"
)

// Priority is the fixed fallback order. A vendor's own API answers 429 right
// away and ranks above resellers of the same models that throttle silently
// (Azure for OpenAI, Bedrock for Anthropic, Vertex for Gemini).
var Priority = [...]Tag{
	TagOpenAI,
	TagAzureOpenAI,
	TagAnthropic,
	TagBedrock,
	TagGoogleGemini,
	TagGoogle,
	TagGroq,
	TagMistral,
	TagXAI,
}

var rankOf = func() map[Tag]int {
	m := make(map[Tag]int, len(Priority))
	for i, t := range Priority {
		m[t] = i
	}
	return m
}()

// AllTags returns every tag in priority order.
func AllTags() []Tag {
	return append([]Tag(nil), Priority[:]...)
}

// Rank returns the tag's position in Priority, or -1 when unknown.
func (t Tag) Rank() int {
	if r, ok := rankOf[t]; ok {
		return r
	}
	return -1
}

func (t Tag) Valid() bool {
	return t.Rank() >= 0
}

func (t Tag) String() string {
	return string(t)
}

// ParseTag accepts the canonical tag plus a few common spellings.
func ParseTag(s string) (Tag, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "azure":
		key = string(TagAzureOpenAI)
	case "bedrock":
		key = string(TagBedrock)
	case "gemini":
		key = string(TagGoogleGemini)
	case "vertex", "vertex_ai":
		key = string(TagGoogle)
	case "mistral":
		key = string(TagMistral)
	case "xai", "grok":
		key = string(TagXAI)
	}
	t := Tag(key)
	if !t.Valid() {
		return "", &Error{Kind: KindUnknownProvider, Message: "unknown provider " + strings.TrimSpace(s)}
	}
	return t, nil
}
