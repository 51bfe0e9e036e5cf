package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSender struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop is not the zero value")
	}
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()
	rec := &recordingSender{}
	svc.SetAlertSender(rec)

	log.Info("routine")
	log.Component("scheduler").Error("task failed", String("task", "t1"), Err(errors.New("captcha")))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	lines := rec.snapshot()
	if len(lines) != 1 {
		t.Fatalf("alerts = %q, want exactly the error", lines)
	}
	got := lines[0]
	for _, want := range []string{"[ERROR] task failed", "- comp=scheduler", "- err=captcha", "- task=t1"} {
		if !strings.Contains(got, want) {
			t.Fatalf("alert %q missing %q", got, want)
		}
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  plain line \n")); got != "plain line" {
		t.Fatalf("formatAlert = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" WARNING ", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("ParseLevel(%q) = %v, %v", tt.in, got, ok)
		}
	}
}

func TestLoggerBindsFieldsAndCaller(t *testing.T) {
	t.Parallel()
	setGlobals()
	var buf bytes.Buffer
	base := Logger{out: fixedSink{zerolog.New(&buf)}}.Component("engine")

	a := base.With(String("task", "a"))
	b := base.With(String("task", "b"))
	a.Info("fired", Err(nil), Stack("  "))
	b.Info("fired")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	tests := []struct {
		line int
		task string
	}{{0, "a"}, {1, "b"}}
	for _, tt := range tests {
		var m map[string]any
		if err := json.Unmarshal(lines[tt.line], &m); err != nil {
			t.Fatalf("line %d: %v", tt.line, err)
		}
		if m["comp"] != "engine" || m["task"] != tt.task {
			t.Fatalf("line %d = %v", tt.line, m)
		}
		if _, ok := m["err"]; ok {
			t.Fatalf("nil error was logged: %v", m)
		}
		if _, ok := m["stack"]; ok {
			t.Fatalf("blank stack was logged: %v", m)
		}
		if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
			t.Fatalf("caller = %q, want this file", c)
		}
	}
}
