package executor

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/tidwall/gjson"
)

const acceptEncoding = "gzip, deflate, br, zstd"

// maxErrorBody caps how much of a failed response is read.
const maxErrorBody = 64 * 1024

// applyHeaders sets the JSON content headers, the configured extra headers
// and the credential headers, in that order so credentials always win.
func applyHeaders(r *http.Request, extra map[string]string, auth map[string]string, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	if stream {
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("Cache-Control", "no-cache")
	} else {
		r.Header.Set("Accept", "application/json")
	}
	r.Header.Set("Accept-Encoding", acceptEncoding)
	for k, v := range extra {
		r.Header.Set(k, v)
	}
	for k, v := range auth {
		r.Header.Set(k, v)
	}
}

var gzipReaderPool = sync.Pool{
	New: func() any { return new(gzip.Reader) },
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

var brotliReaderPool = sync.Pool{
	New: func() any { return new(brotli.Reader) },
}

type decodedBody struct {
	io.Reader
	release func()
	body    io.ReadCloser
}

func (d *decodedBody) Close() error {
	err := d.body.Close()
	if d.release != nil {
		d.release()
		d.release = nil
	}
	return err
}

// decodeResponseBody wraps body according to Content-Encoding. Unknown
// encodings pass through untouched.
func decodeResponseBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if body == nil {
		return nil, fmt.Errorf("response body is nil")
	}
	for _, raw := range strings.Split(contentEncoding, ",") {
		switch strings.TrimSpace(strings.ToLower(raw)) {
		case "gzip":
			gr := gzipReaderPool.Get().(*gzip.Reader)
			if err := gr.Reset(body); err != nil {
				gzipReaderPool.Put(gr)
				_ = body.Close()
				return nil, fmt.Errorf("reset gzip reader: %w", err)
			}
			return &decodedBody{Reader: gr, body: body, release: func() {
				_ = gr.Close()
				gzipReaderPool.Put(gr)
			}}, nil
		case "deflate":
			fr := flate.NewReader(body)
			return &decodedBody{Reader: fr, body: body, release: func() { _ = fr.Close() }}, nil
		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(body); err != nil {
				brotliReaderPool.Put(br)
				_ = body.Close()
				return nil, fmt.Errorf("reset brotli reader: %w", err)
			}
			return &decodedBody{Reader: br, body: body, release: func() { brotliReaderPool.Put(br) }}, nil
		case "zstd":
			decoder := zstdDecoderPool.Get().(*zstd.Decoder)
			if err := decoder.Reset(body); err != nil {
				zstdDecoderPool.Put(decoder)
				_ = body.Close()
				return nil, fmt.Errorf("reset zstd decoder: %w", err)
			}
			return &decodedBody{Reader: decoder, body: body, release: func() {
				_ = decoder.Reset(nil)
				zstdDecoderPool.Put(decoder)
			}}, nil
		}
	}
	return body, nil
}

// newStatusError converts a non-2xx response into a *provider.Error. The
// vendor message is pulled from the usual error envelope shapes.
func newStatusError(tag provider.Tag, resp *http.Response) *provider.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(resp.Header.Get("Content-Type"), body)
	log.Debugf("%s: upstream status %d: %s", tag, resp.StatusCode, msg)

	kind := provider.KindFromStatus(resp.StatusCode, msg)
	if kind == provider.KindUnknown {
		kind = provider.KindUnavailable
	}
	return &provider.Error{
		Kind:       kind,
		Provider:   tag,
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: retryAfter(resp.Header, body),
	}
}

// errorMessage extracts the human readable message from an error body.
func errorMessage(contentType string, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "0.error.message", "Message", "error"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}
	return summarizeErrorBody(contentType, body)
}

func summarizeErrorBody(contentType string, body []byte) string {
	isHTML := strings.Contains(strings.ToLower(contentType), "text/html")
	if !isHTML {
		trimmed := bytes.TrimSpace(bytes.ToLower(body))
		isHTML = bytes.HasPrefix(trimmed, []byte("<!doctype html")) || bytes.HasPrefix(trimmed, []byte("<html"))
	}
	if !isHTML {
		return strings.TrimSpace(string(body))
	}
	if title := extractHTMLTitle(body); title != "" {
		return title
	}
	return "[html body omitted]"
}

func extractHTMLTitle(body []byte) string {
	lower := bytes.ToLower(body)
	start := bytes.Index(lower, []byte("<title"))
	if start == -1 {
		return ""
	}
	gt := bytes.IndexByte(lower[start:], '>')
	if gt == -1 {
		return ""
	}
	start += gt + 1
	end := bytes.Index(lower[start:], []byte("</title>"))
	if end == -1 {
		return ""
	}
	title := strings.TrimSpace(html.UnescapeString(string(body[start : start+end])))
	return strings.Join(strings.Fields(title), " ")
}

// retryAfter reads the Retry-After header (seconds or HTTP date), then the
// google.rpc.RetryInfo detail Gemini and Vertex put in the body.
func retryAfter(h http.Header, body []byte) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		if detail.Get("@type").String() != "type.googleapis.com/google.rpc.RetryInfo" {
			continue
		}
		if d, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// transportError classifies a failed round trip. callCtx carries the call
// deadline; a cancelled parent is returned as the plain context error.
func transportError(tag provider.Tag, parent, callCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return provider.TimeoutError(tag, timeout, err)
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}
	return &provider.Error{Kind: provider.KindUnavailable, Provider: tag, Err: err}
}
