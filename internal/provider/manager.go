package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/nghyane/llm-relay/internal/logging"
)

// Manager is the execution orchestrator: it resolves candidates and walks
// them in priority order, falling back on retryable failures.
type Manager struct {
	factory atomic.Pointer[Factory]
	stats   *ProviderStats
}

// NewManager builds a manager around f.
func NewManager(f *Factory) *Manager {
	m := &Manager{stats: NewProviderStats()}
	m.factory.Store(f)
	return m
}

// SetFactory swaps the factory. In-flight calls keep the one they resolved.
func (m *Manager) SetFactory(f *Factory) {
	m.factory.Store(f)
}

func (m *Manager) Factory() *Factory {
	return m.factory.Load()
}

func (m *Manager) Stats() *ProviderStats {
	return m.stats
}

func (m *Manager) resolve(model string, explicit Tag) ([]Candidate, error) {
	f := m.factory.Load()
	if f == nil {
		return nil, UnsupportedModelError(model, explicit)
	}
	return f.Resolve(model, explicit)
}

func candidateOptions(c Candidate, opts Options) Options {
	opts.Model = c.Model
	opts.UpstreamModel = c.UpstreamModel
	return opts
}

// Execute runs a unary call.
func (m *Manager) Execute(ctx context.Context, model string, opts Options, messages []Message, explicit Tag) (Output, error) {
	candidates, err := m.resolve(model, explicit)
	if err != nil {
		return Output{}, err
	}

	attempts := make([]Attempt, 0, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		start := time.Now()
		out, errExec := m.generateOnce(ctx, c, candidateOptions(c, opts), messages)
		if errExec == nil {
			m.stats.RecordSuccess(c.Tag, c.Model, time.Since(start))
			return out, nil
		}

		errExec = Classify(c.Tag, errExec)
		if errors.Is(errExec, context.Canceled) {
			return Output{}, errExec
		}
		retry := IsRetryable(errExec)
		hasNext := i < len(candidates)-1
		m.stats.RecordFailure(c.Tag, c.Model, errExec, retry && hasNext)
		if !retry {
			return Output{}, errExec
		}
		attempts = append(attempts, Attempt{Provider: c.Tag, Err: errExec})
		if hasNext {
			log.WithError(errExec).WithFields(log.Fields{
				"model": c.Model,
				"from":  c.Tag,
				"to":    candidates[i+1].Tag,
			}).Warn("provider failed, falling back")
		}
	}
	return Output{}, &ExhaustedError{Model: model, Attempts: attempts}
}

// generateOnce calls the client, retrying once on a connection pool error.
func (m *Manager) generateOnce(ctx context.Context, c Candidate, opts Options, messages []Message) (Output, error) {
	out, err := c.Client.Generate(ctx, opts, messages)
	if KindOf(err) == KindConnectionPool {
		log.WithError(err).WithField("provider", c.Tag).Warn("connection pool error, retrying once")
		out, err = c.Client.Generate(ctx, opts, messages)
	}
	return out, err
}

func (m *Manager) streamOnce(ctx context.Context, c Candidate, opts Options, messages []Message) (<-chan StreamChunk, error) {
	ch, err := c.Client.Stream(ctx, opts, messages)
	if KindOf(err) == KindConnectionPool {
		log.WithError(err).WithField("provider", c.Tag).Warn("connection pool error, retrying once")
		ch, err = c.Client.Stream(ctx, opts, messages)
	}
	return ch, err
}

// streamRun carries fallback state across candidates for one ExecuteStream.
type streamRun struct {
	m          *Manager
	ctx        context.Context
	model      string
	opts       Options
	messages   []Message
	candidates []Candidate
	next       int
	attempts   []Attempt
}

// open walks candidates from r.next until one stream opens. It returns the
// candidate and its channel, or the error to surface.
func (r *streamRun) open() (Candidate, <-chan StreamChunk, time.Time, error) {
	for r.next < len(r.candidates) {
		c := r.candidates[r.next]
		r.next++
		if err := r.ctx.Err(); err != nil {
			return c, nil, time.Time{}, err
		}
		start := time.Now()
		ch, err := r.m.streamOnce(r.ctx, c, candidateOptions(c, r.opts), r.messages)
		if err == nil {
			return c, ch, start, nil
		}
		if stop := r.fail(c, err); stop != nil {
			return c, nil, start, stop
		}
	}
	return Candidate{}, nil, time.Time{}, &ExhaustedError{Model: r.model, Attempts: r.attempts}
}

// fail records a candidate failure; a non-nil result means stop falling back.
func (r *streamRun) fail(c Candidate, err error) error {
	err = Classify(c.Tag, err)
	if errors.Is(err, context.Canceled) {
		return err
	}
	retry := IsRetryable(err)
	hasNext := r.next < len(r.candidates)
	r.m.stats.RecordFailure(c.Tag, c.Model, err, retry && hasNext)
	if !retry {
		return err
	}
	r.attempts = append(r.attempts, Attempt{Provider: c.Tag, Err: err})
	if hasNext {
		log.WithError(err).WithFields(log.Fields{
			"model": c.Model,
			"from":  c.Tag,
			"to":    r.candidates[r.next].Tag,
		}).Warn("provider stream failed, falling back")
	}
	return nil
}

// ExecuteStream runs a streamed call. Resolution errors and failures of
// every candidate before a stream opens are returned directly. Once a
// stream is open, a retryable failure before anything reached the caller
// still falls back; after that the stream ends with an error chunk.
func (m *Manager) ExecuteStream(ctx context.Context, model string, opts Options, messages []Message, explicit Tag) (<-chan StreamChunk, error) {
	candidates, err := m.resolve(model, explicit)
	if err != nil {
		return nil, err
	}
	run := &streamRun{m: m, ctx: ctx, model: model, opts: opts, messages: messages, candidates: candidates}

	c, ch, start, err := run.open()
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 1)
	go func() {
		defer close(out)
		for {
			forwarded, errStream := m.forward(ctx, ch, out)
			if errStream == nil {
				m.stats.RecordSuccess(c.Tag, c.Model, time.Since(start))
				return
			}
			if errors.Is(errStream, context.Canceled) || ctx.Err() != nil {
				return
			}
			if forwarded {
				errStream = Classify(c.Tag, errStream)
				m.stats.RecordFailure(c.Tag, c.Model, errStream, false)
				send(ctx, out, StreamChunk{Err: errStream})
				return
			}
			if stop := run.fail(c, errStream); stop != nil {
				send(ctx, out, StreamChunk{Err: stop})
				return
			}
			c, ch, start, err = run.open()
			if err != nil {
				send(ctx, out, StreamChunk{Err: err})
				return
			}
		}
	}()
	return out, nil
}

// forward copies chunks until the upstream closes or fails. It reports
// whether anything reached the caller.
func (m *Manager) forward(ctx context.Context, in <-chan StreamChunk, out chan<- StreamChunk) (bool, error) {
	forwarded := false
	sawFinal := false
	for {
		select {
		case <-ctx.Done():
			go drain(in)
			return forwarded, ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				if !sawFinal {
					return forwarded, &Error{Kind: KindUnavailable, Message: "stream closed before completion"}
				}
				return forwarded, nil
			}
			if chunk.Err != nil {
				go drain(in)
				return forwarded, chunk.Err
			}
			if chunk.Final {
				sawFinal = true
			}
			if !send(ctx, out, chunk) {
				go drain(in)
				return forwarded, ctx.Err()
			}
			forwarded = true
		}
	}
}

// drain releases an abandoned upstream producer.
func drain(in <-chan StreamChunk) {
	for range in {
	}
}

func send(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Collect drains a stream and returns its final output.
func Collect(ch <-chan StreamChunk) (Output, error) {
	var last Output
	var final bool
	for chunk := range ch {
		if chunk.Err != nil {
			return last, chunk.Err
		}
		last = chunk.Output
		final = final || chunk.Final
	}
	if !final {
		return last, fmt.Errorf("stream ended without a final output")
	}
	return last, nil
}
