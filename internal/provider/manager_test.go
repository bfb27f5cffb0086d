package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ==================== Execute Tests ====================

func TestExecuteFirstCandidateWins(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	out, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Text != "openai" {
		t.Errorf("served by %q, want openai", out.Text)
	}
	if anthropic.Calls() != 0 {
		t.Errorf("fallback called %d times", anthropic.Calls())
	}
	if openai.lastModel != "shared-openai" {
		t.Errorf("upstream model = %q", openai.lastModel)
	}
}

func TestExecuteFallsBackOnRetryable(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{err: &Error{Kind: KindRateLimited, StatusCode: 429}}}}
	anthropic := &fakeClient{tag: TagAnthropic, results: []fakeResult{{err: &Error{Kind: KindUnavailable, StatusCode: 503}}}}
	groq := &fakeClient{tag: TagGroq}
	m := NewManager(newTestFactory(t, openai, anthropic, groq))

	out, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Text != "groq" {
		t.Errorf("served by %q, want groq", out.Text)
	}

	rows := m.Stats().Snapshot()
	var failures, successes int64
	for _, r := range rows {
		failures += r.Failure
		successes += r.Success
	}
	if failures != 2 || successes != 1 {
		t.Errorf("stats failures=%d successes=%d", failures, successes)
	}
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{err: &Error{Kind: KindAuth, StatusCode: 401}}}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	_, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
	if anthropic.Calls() != 0 {
		t.Error("non-retryable error must not fall back")
	}
}

func TestExecuteExhausted(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{err: &Error{Kind: KindRateLimited}}}}
	anthropic := &fakeClient{tag: TagAnthropic, results: []fakeResult{{err: context.DeadlineExceeded}}}
	m := NewManager(newTestFactory(t, openai, anthropic))

	_, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	providers := ex.Providers()
	if len(providers) != 2 || providers[0] != TagOpenAI || providers[1] != TagAnthropic {
		t.Errorf("attempted = %v", providers)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("deadline should surface as a timeout attempt")
	}
}

func TestExecuteRetriesConnectionPoolOnce(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{
		{err: &Error{Kind: KindConnectionPool}},
		{out: Output{Text: "second try"}},
	}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	out, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Text != "second try" || openai.Calls() != 2 || anthropic.Calls() != 0 {
		t.Errorf("out=%q openai=%d anthropic=%d", out.Text, openai.Calls(), anthropic.Calls())
	}
}

func TestExecuteConnectionPoolTwiceFallsBack(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{err: &Error{Kind: KindConnectionPool}}}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	out, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Text != "anthropic" || openai.Calls() != 2 {
		t.Errorf("out=%q openai calls=%d", out.Text, openai.Calls())
	}
}

func TestExecuteUnsupportedModel(t *testing.T) {
	m := NewManager(newTestFactory(t, &fakeClient{tag: TagOpenAI}))
	if _, err := m.Execute(context.Background(), "orphan-model", Options{}, nil, ""); !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI}
	m := NewManager(newTestFactory(t, openai))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Execute(ctx, "shared-model", Options{}, nil, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if openai.Calls() != 0 {
		t.Error("no call expected after cancellation")
	}
}

func TestSetFactorySwaps(t *testing.T) {
	m := NewManager(newTestFactory(t, &fakeClient{tag: TagOpenAI}))
	m.SetFactory(newTestFactory(t, &fakeClient{tag: TagAnthropic}))

	out, err := m.Execute(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Text != "anthropic" {
		t.Errorf("served by %q after swap", out.Text)
	}
}

// ==================== ExecuteStream Tests ====================

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestExecuteStreamFallsBackBeforeOpen(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{openErr: &Error{Kind: KindRateLimited}}}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	ch, err := m.ExecuteStream(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	out, err := Collect(ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if out.Text != "anthropic" {
		t.Errorf("served by %q", out.Text)
	}
}

func TestExecuteStreamFallsBackBeforeFirstChunk(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{chunks: []StreamChunk{{Err: &Error{Kind: KindUnavailable}}}}}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	ch, err := m.ExecuteStream(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 || !chunks[0].Final || chunks[0].Output.Text != "anthropic" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestExecuteStreamNoFallbackAfterForwarding(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{chunks: []StreamChunk{
		{Output: Output{Text: "par"}},
		{Err: &Error{Kind: KindUnavailable}},
	}}}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	ch, err := m.ExecuteStream(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !errors.Is(chunks[1].Err, ErrUnavailable) {
		t.Errorf("last chunk err = %v", chunks[1].Err)
	}
	if anthropic.Calls() != 0 {
		t.Error("must not fall back after data reached the caller")
	}
}

func TestExecuteStreamExhausted(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{openErr: &Error{Kind: KindRateLimited}}}}
	anthropic := &fakeClient{tag: TagAnthropic, results: []fakeResult{{chunks: []StreamChunk{{Err: &Error{Kind: KindTimeout}}}}}}
	m := NewManager(newTestFactory(t, openai, anthropic))

	ch, err := m.ExecuteStream(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	_, err = Collect(ch)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if p := ex.Providers(); len(p) != 2 {
		t.Errorf("attempted = %v", p)
	}
}

func TestExecuteStreamNonRetryableOpen(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{openErr: &Error{Kind: KindInvalidRequest, StatusCode: 400}}}}
	m := NewManager(newTestFactory(t, openai, &fakeClient{tag: TagAnthropic}))

	_, err := m.ExecuteStream(context.Background(), "shared-model", Options{}, nil, "")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteStreamClosedWithoutFinal(t *testing.T) {
	openai := &fakeClient{tag: TagOpenAI, results: []fakeResult{{chunks: []StreamChunk{}}}}
	anthropic := &fakeClient{tag: TagAnthropic}
	m := NewManager(newTestFactory(t, openai, anthropic))

	ch, err := m.ExecuteStream(context.Background(), "shared-model", Options{}, nil, "")
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	out, err := Collect(ch)
	if err != nil || out.Text != "anthropic" {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}
