package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"zhihupub/internal/eventbus"
	logx "zhihupub/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int // fail this many calls first
	calls int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNotifySendsWithPriorityPrefix(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Logger{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Priority: 9, Text: "db down"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(fs.sent()) == 1 })
	if got := fs.sent()[0]; got != "🚨 db down" {
		t.Fatalf("sent %q", got)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Text != "🚨 db down" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Logger{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 3; i++ {
		_ = s.Notify(context.Background(), Notification{Priority: 7, Text: "same"})
	}
	_ = s.Notify(context.Background(), Notification{Priority: 5, Text: "same"})
	waitFor(t, func() bool { return len(fs.sent()) == 2 })
	if st := s.Stats(); st.Deduped != 2 || st.Queued != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 2}
	s := New(testConfig(), fs, logx.Logger{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), Notification{Text: "flaky"})
	waitFor(t, func() bool { return s.Stats().Sent == 1 })
	fs.mu.Lock()
	calls := fs.calls
	fs.mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 100}
	s := New(testConfig(), fs, logx.Logger{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), Notification{Text: "never"})
	waitFor(t, func() bool { return s.Stats().Failed == 1 })
	fs.mu.Lock()
	calls := fs.calls
	fs.mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 1 + RetryMax", calls)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSender{}, logx.Logger{})
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify = %v", err)
	}

	s = New(testConfig(), &fakeSender{}, logx.Logger{})
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started Notify = %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped Notify = %v", err)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after Stop")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	cfg := testConfig()
	cfg.DedupWindow = 0
	s := New(cfg, fs, logx.Logger{})
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), Notification{Text: "n"}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := len(fs.sent()); got != 5 {
		t.Fatalf("sent %d, want all 5 drained", got)
	}
}

func TestWatchFormatsFailedTasks(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Logger{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus := eventbus.New(eventbus.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, bus) }()
	waitFor(t, func() bool { return bus.Len() == 1 })

	bus.Publish(eventbus.TypeTaskUpdate, map[string]any{"task_id": "t1", "status": "running"})
	bus.Publish(eventbus.TypeTaskUpdate, map[string]any{"task_id": "t1", "status": "pending", "deferred": true})
	bus.Publish(eventbus.TypeTaskUpdate, map[string]any{
		"task_id": "t1", "status": "failed", "account_id": "a1", "article_id": "art1",
		"error": "captcha", "retry_count": 1,
	})

	waitFor(t, func() bool { return len(fs.sent()) == 1 })
	got := fs.sent()[0]
	for _, want := range []string{"⚠️ Publish failed: task t1 (retry 1)", "account: a1", "error: captcha"} {
		if !strings.Contains(got, want) {
			t.Fatalf("message %q missing %q", got, want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch = %v", err)
	}
}

func TestWatchesConfiguredStatuses(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.NotifyStatuses = []string{"SUCCESS"}
	s := New(cfg, nil, logx.Logger{})
	if !s.watches("success") || s.watches("failed") {
		t.Fatal("NotifyStatuses not honored")
	}
	s.Apply(testConfig())
	if !s.watches("failed") || s.watches("success") {
		t.Fatal("empty NotifyStatuses should mean failed only")
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"发布失败了", 3, "发布…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := truncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram("", 1, 0); err == nil {
		t.Fatal("empty token should fail")
	}
	if _, err := NewTelegram("123:abc", 0, 0); err == nil {
		t.Fatal("empty chat id should fail")
	}
}
