package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/stream"
	"github.com/nghyane/llm-relay/internal/usage"
	"github.com/nghyane/llm-relay/internal/util"
)

// usageReporter builds and publishes the accounting record of one call.
// The record is published exactly once, on success or failure.
type usageReporter struct {
	publisher usage.Publisher
	record    usage.Record
	start     time.Time
	opts      provider.Options
	messages  []provider.Message
	once      sync.Once
}

func newUsageReporter(publisher usage.Publisher, tag provider.Tag, opts provider.Options, messages []provider.Message, streamed bool) *usageReporter {
	if publisher == nil {
		publisher = usage.Discard
	}
	return &usageReporter{
		publisher: publisher,
		record:    usage.NewRecord(string(tag), opts.Model, opts.TargetModel(), opts.TenantID, streamed),
		start:     time.Now(),
		opts:      opts,
		messages:  messages,
	}
}

// finish completes the record from what the stream produced and publishes
// it. Only the first call publishes; later calls return nil.
func (r *usageReporter) finish(ctx context.Context, c stream.Completion, callErr error) *usage.Record {
	var out *usage.Record
	r.once.Do(func() {
		rec := r.record
		rec.ElapsedSeconds = time.Since(r.start).Seconds()
		switch {
		case c.HasUsage && !c.Usage.IsZero():
			rec.Tokens = c.Usage
		case callErr == nil || c.Text != "":
			rec.Tokens = r.estimate(c.Text)
		}
		if callErr != nil {
			rec.Failed = true
			rec.ErrorKind = errorKind(callErr)
		}
		r.publisher.Publish(ctx, rec)
		out = &rec
	})
	return out
}

func (r *usageReporter) estimate(completion string) usage.Tokens {
	model := r.opts.TargetModel()
	return usage.Tokens{
		PromptTokens:     util.CountPrompt(model, r.opts, r.messages),
		CompletionTokens: util.CountText(model, completion),
		Estimated:        true,
	}.Normalize()
}

func errorKind(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return provider.KindOf(provider.Classify("", err)).String()
}
