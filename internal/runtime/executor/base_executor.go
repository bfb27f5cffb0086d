// Package executor implements provider.Client for every upstream API family
// and owns the pooled HTTP clients they share.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
)

// Deps are the shared collaborators every client needs.
type Deps struct {
	Pool      *Pool
	Publisher usage.Publisher
	// Timeout is the default per-call timeout; a provider's own timeout
	// and Options.Timeout take precedence.
	Timeout time.Duration
	// Reparse bounds snapshot re-parsing on streamed calls. The zero value
	// uses stream.DefaultReparsePolicy.
	Reparse stream.ReparsePolicy
}

// wireAdapter is the vendor specific half of a client: request encoding and
// response decoding. baseClient drives the HTTP exchange around it.
type wireAdapter interface {
	buildRequest(ctx context.Context, opts provider.Options, messages []provider.Message, stream bool) (*http.Request, error)
	decodeUnary(sc *stream.Context, body []byte) error
	newEventReader(body io.Reader) eventReader
	newStreamDecoder(opts provider.Options) streamDecoder
}

// baseClient holds what every adapter shares and implements provider.Client
// on top of a wireAdapter.
type baseClient struct {
	tag       provider.Tag
	pool      *Pool
	publisher usage.Publisher
	timeout   time.Duration
	reparse   stream.ReparsePolicy
	headers   map[string]string
	wire      wireAdapter
}

func newBaseClient(tag provider.Tag, common config.Common, deps Deps) baseClient {
	timeout := deps.Timeout
	if common.Timeout > 0 {
		timeout = common.Timeout
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = usage.Discard
	}
	reparse := deps.Reparse
	if reparse.IsZero() {
		reparse = stream.DefaultReparsePolicy()
	}
	return baseClient{
		tag:       tag,
		pool:      deps.Pool,
		publisher: publisher,
		timeout:   timeout,
		reparse:   reparse,
		headers:   common.Headers,
	}
}

func (b *baseClient) Tag() provider.Tag { return b.tag }

func invalidRequest(tag provider.Tag, err error) *provider.Error {
	return &provider.Error{Kind: provider.KindInvalidRequest, Provider: tag, Err: err}
}

// do sends req with the pooled client for its host. Non-2xx responses are
// converted to *provider.Error; the returned body is already decompressed.
func (b *baseClient) do(ctx, callCtx context.Context, timeout time.Duration, req *http.Request) (*http.Response, error) {
	if b.pool == nil {
		return nil, &provider.Error{Kind: provider.KindConnectionPool, Provider: b.tag, Message: "no connection pool"}
	}
	client, err := b.pool.Acquire(req.URL.String())
	if err != nil {
		return nil, provider.Classify(b.tag, err)
	}
	log.Debugf("%s: %s %s", b.tag, req.Method, log.MaskQuery(req.URL.String()))

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(b.tag, ctx, callCtx, timeout, err)
	}
	body, err := decodeResponseBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		_ = resp.Body.Close()
		return nil, &provider.Error{Kind: provider.KindUnavailable, Provider: b.tag, StatusCode: resp.StatusCode, Err: err}
	}
	resp.Body = body
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, newStatusError(b.tag, resp)
	}
	return resp, nil
}

// Generate performs a unary call and decodes it through the same streaming
// context the streamed path uses.
func (b *baseClient) Generate(ctx context.Context, opts provider.Options, messages []provider.Message) (provider.Output, error) {
	rep := newUsageReporter(b.publisher, b.tag, opts, messages, false)
	sc := newStreamContext(b.tag, opts, b.reparse)

	out, err := b.unary(ctx, sc, opts, messages)
	record := rep.finish(ctx, sc.Completion(), err)
	if err != nil {
		return provider.Output{}, err
	}
	out.Accounting = record
	return out, nil
}

func (b *baseClient) unary(ctx context.Context, sc *stream.Context, opts provider.Options, messages []provider.Message) (provider.Output, error) {
	timeout := opts.EffectiveTimeout(b.timeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := b.wire.buildRequest(callCtx, opts, messages, false)
	if err != nil {
		return provider.Output{}, provider.Classify(b.tag, err)
	}
	resp, err := b.do(ctx, callCtx, timeout, req)
	if err != nil {
		return provider.Output{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Output{}, transportError(b.tag, ctx, callCtx, timeout, err)
	}
	if err := b.wire.decodeUnary(sc, body); err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) {
			return provider.Output{}, provider.Classify(b.tag, err)
		}
		return provider.Output{}, provider.DecodeError(b.tag, fmt.Errorf("response body: %w", err))
	}
	return sc.Finalize()
}

// Stream opens a streamed call. Failures before the response headers are
// returned directly.
func (b *baseClient) Stream(ctx context.Context, opts provider.Options, messages []provider.Message) (<-chan provider.StreamChunk, error) {
	rep := newUsageReporter(b.publisher, b.tag, opts, messages, true)
	timeout := opts.EffectiveTimeout(b.timeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := b.wire.buildRequest(callCtx, opts, messages, true)
	if err != nil {
		cancel()
		err = provider.Classify(b.tag, err)
		rep.finish(ctx, stream.Completion{}, err)
		return nil, err
	}
	resp, err := b.do(ctx, callCtx, timeout, req)
	if err != nil {
		cancel()
		rep.finish(ctx, stream.Completion{}, err)
		return nil, err
	}

	sc := newStreamContext(b.tag, opts, b.reparse)
	reader := b.wire.newEventReader(resp.Body)
	return b.runStream(ctx, callCtx, cancel, timeout, resp.Body, reader, b.wire.newStreamDecoder(opts), sc, rep), nil
}
