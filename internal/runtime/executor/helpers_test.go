package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/usage"
)

// recorder captures published accounting records.
type recorder struct {
	mu      sync.Mutex
	records []usage.Record
}

func (r *recorder) Publish(_ context.Context, rec usage.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) all() []usage.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Record(nil), r.records...)
}

func newTestDeps(t *testing.T) (Deps, *recorder) {
	t.Helper()
	pool := NewPool(PoolOptions{})
	t.Cleanup(pool.Stop)
	rec := &recorder{}
	return Deps{Pool: pool, Publisher: rec}, rec
}

// capturedRequest is what a fake upstream saw.
type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   gjson.Result
}

// upstream serves one canned response and records requests.
type upstream struct {
	*httptest.Server

	mu       sync.Mutex
	requests []capturedRequest
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   gjson.ParseBytes(body),
		})
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) last(t *testing.T) capturedRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.requests, "upstream was not called")
	return u.requests[len(u.requests)-1]
}

func jsonResponse(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func statusBody(code int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

// sseResponse writes each event as a data line, flushing between them.
func sseResponse(events ...string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// collectStream drains a stream, returning every non-final snapshot and the
// final output.
func collectStream(t *testing.T, ch <-chan provider.StreamChunk) ([]provider.Output, provider.Output, error) {
	t.Helper()
	var partials []provider.Output
	var final provider.Output
	for chunk := range ch {
		if chunk.Err != nil {
			return partials, final, chunk.Err
		}
		if chunk.Final {
			final = chunk.Output
			continue
		}
		partials = append(partials, chunk.Output)
	}
	return partials, final, nil
}

func ptr[T any](v T) *T { return &v }
