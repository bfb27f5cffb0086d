package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
)

const (
	// DefaultStreamBufferSize caps one SSE line; large tool call arguments
	// can arrive in a single event.
	DefaultStreamBufferSize = 20 * 1024 * 1024

	// DefaultScannerBufferSize is the initial pooled scanner buffer.
	DefaultScannerBufferSize = 64 * 1024
)

var scannerBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, DefaultScannerBufferSize)
	},
}

var (
	doneMarker = []byte("[DONE]")
	dataTag    = []byte("data:")
	eventTag   = []byte("event:")
)

// rawEvent is one upstream event: an SSE message or an eventstream frame.
type rawEvent struct {
	Type string
	Data []byte
}

func (e rawEvent) isDone() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), doneMarker)
}

// eventReader yields events until io.EOF.
type eventReader interface {
	Next() (rawEvent, error)
	Close()
}

// sseReader splits a text/event-stream body into messages. Multi-line data
// fields are joined with newlines; comments and retry/id fields are ignored.
type sseReader struct {
	scanner *bufio.Scanner
	buf     []byte
	event   string
	data    bytes.Buffer
	hasData bool
}

func newSSEReader(body io.Reader) *sseReader {
	buf := scannerBufferPool.Get().([]byte)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(buf, DefaultStreamBufferSize)
	return &sseReader{scanner: scanner, buf: buf}
}

func (r *sseReader) Next() (rawEvent, error) {
	for r.scanner.Scan() {
		line := bytes.TrimRight(r.scanner.Bytes(), "\r")
		switch {
		case len(line) == 0:
			if ev, ok := r.flush(); ok {
				return ev, nil
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, eventTag):
			r.event = string(bytes.TrimSpace(line[len(eventTag):]))
		case bytes.HasPrefix(line, dataTag):
			payload := line[len(dataTag):]
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			if r.hasData {
				r.data.WriteByte('\n')
			}
			r.data.Write(payload)
			r.hasData = true
		case line[0] == '{' || line[0] == '[':
			// some gateways drop the data: prefix on JSON lines
			if r.hasData {
				r.data.WriteByte('\n')
			}
			r.data.Write(line)
			r.hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return rawEvent{}, err
	}
	if ev, ok := r.flush(); ok {
		return ev, nil
	}
	return rawEvent{}, io.EOF
}

func (r *sseReader) flush() (rawEvent, bool) {
	if !r.hasData {
		r.event = ""
		return rawEvent{}, false
	}
	ev := rawEvent{Type: r.event, Data: bytes.Clone(r.data.Bytes())}
	r.event = ""
	r.data.Reset()
	r.hasData = false
	return ev, true
}

func (r *sseReader) Close() {
	if r.buf != nil {
		scannerBufferPool.Put(r.buf)
		r.buf = nil
	}
}

// streamDecoder applies events of one stream to its Context. It may keep
// per-stream state; done ends the stream early.
type streamDecoder interface {
	handle(sc *stream.Context, ev rawEvent) (done bool, err error)
}

func newStreamContext(tag provider.Tag, opts provider.Options, reparse stream.ReparsePolicy) *stream.Context {
	sopts := []stream.Option{stream.WithProvider(tag), stream.WithReparsePolicy(reparse)}
	switch {
	case !opts.StructuredGeneration():
		sopts = append(sopts, stream.WithTextMode())
	case opts.WrapOutput:
		sopts = append(sopts, stream.WithOutputKey(provider.TaskOutputKey))
	}
	return stream.NewContext(sopts...)
}

func sendChunk(ctx context.Context, out chan<- provider.StreamChunk, chunk provider.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// runStream pumps events from body into out until the stream ends, then
// finalizes and sends the Final chunk. Cancelling ctx closes body at once.
// The accounting record is published on every exit path.
func (b *baseClient) runStream(
	ctx, callCtx context.Context,
	cancel context.CancelFunc,
	timeout time.Duration,
	body io.ReadCloser,
	reader eventReader,
	dec streamDecoder,
	sc *stream.Context,
	rep *usageReporter,
) <-chan provider.StreamChunk {
	out := make(chan provider.StreamChunk, 8)

	go func() {
		defer close(out)
		defer cancel()
		defer reader.Close()
		defer func() { _ = body.Close() }()
		stop := context.AfterFunc(callCtx, func() { _ = body.Close() })
		defer stop()

		fail := func(err error) {
			rep.finish(ctx, sc.Completion(), err)
			sendChunk(ctx, out, provider.StreamChunk{Err: err})
		}

		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail(transportError(b.tag, ctx, callCtx, timeout, err))
				return
			}
			done, err := dec.handle(sc, ev)
			if err != nil {
				fail(provider.Classify(b.tag, err))
				return
			}
			if snap, changed := sc.Snapshot(); changed {
				if !sendChunk(ctx, out, provider.StreamChunk{Output: snap}) {
					rep.finish(ctx, sc.Completion(), ctx.Err())
					return
				}
			}
			if done {
				break
			}
		}

		final, err := sc.Finalize()
		record := rep.finish(ctx, sc.Completion(), err)
		if err != nil {
			sendChunk(ctx, out, provider.StreamChunk{Err: err})
			return
		}
		final.Accounting = record
		sendChunk(ctx, out, provider.StreamChunk{Output: final, Final: true})
	}()

	return out
}
