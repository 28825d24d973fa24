package sloghook

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRedactsKeys(t *testing.T) {
	var buf bytes.Buffer
	h := New(newLogger(&buf), Options{})
	h.CommitFailed("user:42", "cas", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "user:42") {
		t.Fatalf("raw key leaked: %q", out)
	}
	if !strings.Contains(out, "op=cas") || !strings.Contains(out, "err=boom") {
		t.Fatalf("missing attributes: %q", out)
	}
}

func TestCustomRedactor(t *testing.T) {
	var buf bytes.Buffer
	h := New(newLogger(&buf), Options{Redact: func(k string) string { return "<" + k + ">" }})
	h.RollbackApplied("k", false)
	if !strings.Contains(buf.String(), "key=<k>") || !strings.Contains(buf.String(), "level=WARN") {
		t.Fatalf("unexpected line: %q", buf.String())
	}
}

func TestSampling(t *testing.T) {
	var buf bytes.Buffer
	h := New(newLogger(&buf), Options{EvictEvery: 3})
	for i := 0; i < 9; i++ {
		h.BufferEvicted("k", "error")
	}
	if n := strings.Count(buf.String(), "casstack.buffer_evicted"); n != 3 {
		t.Fatalf("want 3 sampled lines, got %d", n)
	}
}

func TestNilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.ShardFailed(1, "get", errors.New("x"))
	h.StampedeWaited("k", 3, true)
}
