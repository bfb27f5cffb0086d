package logging

import (
	"net/http"
	"strings"
)

// MaskSecret keeps a short prefix and suffix of a credential.
func MaskSecret(secret string) string {
	switch n := len(secret); {
	case n > 8:
		return secret[:4] + "..." + secret[n-4:]
	case n > 4:
		return secret[:2] + "..." + secret[n-2:]
	case n > 2:
		return secret[:1] + "..." + secret[n-1:]
	}
	return secret
}

// MaskHeader masks the value of credential-bearing headers.
func MaskHeader(key, value string) string {
	lowerKey := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(lowerKey, "authorization"):
		parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
		if len(parts) < 2 {
			return MaskSecret(value)
		}
		return parts[0] + " " + MaskSecret(parts[1])
	case strings.Contains(lowerKey, "api-key"),
		strings.Contains(lowerKey, "apikey"),
		strings.Contains(lowerKey, "token"),
		strings.Contains(lowerKey, "secret"),
		strings.Contains(lowerKey, "security"):
		return MaskSecret(value)
	default:
		return value
	}
}

// MaskedHeaders renders h for debug logs with credentials masked.
func MaskedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = MaskHeader(k, strings.Join(vs, ","))
	}
	return out
}

// MaskQuery masks credential-bearing query parameters such as Gemini's key=.
func MaskQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		lk := strings.ToLower(k)
		if lk == "key" || strings.Contains(lk, "api_key") || strings.Contains(lk, "token") || strings.Contains(lk, "signature") {
			parts[i] = k + "=" + MaskSecret(v)
		}
	}
	return strings.Join(parts, "&")
}
