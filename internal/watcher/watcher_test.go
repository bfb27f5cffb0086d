package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/provider"
)

type reloads struct {
	mu   sync.Mutex
	cfgs []*config.Config
	err  error
}

func (r *reloads) apply(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cfgs = append(r.cfgs, cfg)
	return nil
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cfgs)
}

func (r *reloads) last() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfgs[len(r.cfgs)-1]
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

const baseConfig = "env-providers: false\nproviders:\n  - type: openai\n    api-key: sk-one\n"

func TestReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, baseConfig)

	rec := &reloads{}
	w, err := NewWatcher(path, rec.apply)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, baseConfig+"  - type: groq\n    api-key: gsk-two\n")
	if !waitFor(t, func() bool { return rec.count() == 1 }) {
		t.Fatalf("reload not triggered, got %d reloads", rec.count())
	}
	cfg := rec.last()
	if _, ok := cfg.Provider(provider.TagGroq); !ok {
		t.Errorf("reloaded config lacks groq: %+v", cfg.Providers)
	}
	if w.Config() != cfg {
		t.Error("watcher did not record the applied config")
	}
}

func TestReloadSkipsIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, baseConfig)

	rec := &reloads{}
	w, err := NewWatcher(path, rec.apply)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if w.reloadIfChanged() {
		t.Fatal("unchanged file should not reload")
	}
	if rec.count() != 0 {
		t.Fatalf("reload callback ran %d times", rec.count())
	}
}

func TestReloadRejectedKeepsHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, baseConfig)

	rec := &reloads{err: errors.New("rebuild failed")}
	w, err := NewWatcher(path, rec.apply)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	writeConfig(t, path, baseConfig+"debug: true\n")
	if w.reloadIfChanged() {
		t.Fatal("rejected reload reported success")
	}

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	if !w.reloadIfChanged() {
		t.Fatal("reload should be retried after a rejected attempt")
	}
	if !rec.last().Debug {
		t.Error("debug flag not applied")
	}
}

func TestReloadInvalidConfigIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "env-providers: false\nproviders:\n  - type: carrier-pigeon\n")

	rec := &reloads{}
	w, err := NewWatcher(path, rec.apply)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w.reloadIfChanged() || rec.count() != 0 {
		t.Fatal("invalid config must not be applied")
	}
}

func TestChangeDetails(t *testing.T) {
	oldCfg, err := config.Parse([]byte(baseConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	newCfg, err := config.Parse([]byte("env-providers: false\ndebug: true\nproviders:\n  - type: mistral\n    api-key: m\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	details := changeDetails(oldCfg, newCfg)
	want := map[string]bool{
		"debug: false -> true":       false,
		"provider added: mistral_ai": false,
		"provider removed: openai":   false,
	}
	for _, d := range details {
		if _, ok := want[d]; ok {
			want[d] = true
		}
	}
	for d, seen := range want {
		if !seen {
			t.Errorf("missing change %q in %v", d, details)
		}
	}
}
