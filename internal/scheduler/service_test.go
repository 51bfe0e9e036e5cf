package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/engine"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/publisher"
	"zhihupub/internal/ratelimit"
	"zhihupub/internal/retry"
	"zhihupub/internal/storage"
	"zhihupub/internal/trigger"
	logx "zhihupub/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePublisher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req publisher.Request) (publisher.Result, error)
}

func (f *fakePublisher) Publish(ctx context.Context, req publisher.Request) (publisher.Result, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return publisher.Result{Success: true, ArtifactURL: "https://zhuanlan.zhihu.com/p/" + req.TaskID}, nil
}

func openPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		ActiveStartHour:   0,
		ActiveEndHour:     24,
		DefaultDailyLimit: 100,
		Location:          time.UTC,
	}
}

type harness struct {
	svc      *Service
	store    storage.Store
	pub      *fakePublisher
	clock    *clock
	bus      *eventbus.Bus
	sub      *eventbus.Subscription
	triggers *trigger.Service
	engine   *engine.Service
}

func newHarness(t *testing.T, p ratelimit.Policy, st storage.Store) *harness {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
		seed(t, st)
	}
	h := &harness{
		store:    st,
		pub:      &fakePublisher{},
		clock:    &clock{t: t0},
		bus:      eventbus.New(eventbus.Config{}),
		triggers: trigger.New(trigger.Config{Timezone: "UTC"}, logx.Nop()),
		engine:   engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop(), engine.Hooks{}),
	}
	h.sub = h.bus.Subscribe()
	cfg := DefaultConfig()
	cfg.PaceDelay = 0
	svc, err := New(cfg, Deps{
		Store:     st,
		Publisher: h.pub,
		Limiter:   ratelimit.New(p, st),
		Backoff:   retry.New(retry.DefaultPolicy(), retry.NewRand(1)),
		Bus:       h.bus,
		Engine:    h.engine,
		Triggers:  h.triggers,
		Log:       logx.Nop(),
		Now:       h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	return h
}

func seed(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.PutAccount(ctx, domain.Account{ID: "a1", Nickname: "writer", Active: true, LoginState: domain.LoginLoggedIn, CreatedAt: t0}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	if err := st.PutAccount(ctx, domain.Account{ID: "off", Nickname: "retired", Active: false, LoginState: domain.LoginLoggedIn, CreatedAt: t0}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("art%d", i)
		if err := st.PutArticle(ctx, domain.Article{ID: id, Title: "Title " + id, Body: "body", Status: domain.ArticleDraft, CreatedAt: t0, UpdatedAt: t0}); err != nil {
			t.Fatalf("PutArticle: %v", err)
		}
	}
}

func (h *harness) events() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e, ok := <-h.sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *harness) mustGet(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return task
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestScheduleImmediate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	task, err := h.svc.ScheduleImmediate(context.Background(), "art1", "a1")
	if err != nil {
		t.Fatalf("ScheduleImmediate: %v", err)
	}
	if task.Status != domain.StatusPending || task.Mode != domain.ModeImmediate || task.ScheduledAt != nil {
		t.Fatalf("task = %+v", task)
	}
	evs := h.events()
	if len(evs) != 1 || evs[0].Type != eventbus.TypeTaskCreated || evs[0].Payload["mode"] != "immediate" {
		t.Fatalf("events = %+v", evs)
	}
	regs := h.triggers.Pending()
	if len(regs) != 1 || regs[0].Key != task.ID {
		t.Fatalf("triggers = %+v", regs)
	}
}

func TestScheduleImmediateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		article string
		account string
		want    error
	}{
		{"missing article", "nope", "a1", domain.ErrNotFound},
		{"missing account", "art1", "nope", domain.ErrNotFound},
		{"inactive account", "art1", "off", domain.ErrAccountUnavailable},
		{"empty article", "", "a1", domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		if _, err := h.svc.ScheduleImmediate(ctx, tt.article, tt.account); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	all, _ := h.store.ListTasks(ctx, storage.TaskFilter{})
	if len(all) != 0 {
		t.Fatalf("tasks created on invalid input: %d", len(all))
	}
}

func TestScheduleImmediateRateLimitedCreatesNothing(t *testing.T) {
	t.Parallel()
	p := openPolicy()
	p.ActiveStartHour = 11 // clock is at 10:00
	h := newHarness(t, p, nil)

	_, err := h.svc.ScheduleImmediate(context.Background(), "art1", "a1")
	var rl domain.RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.Gate != string(ratelimit.GateWindow) || !rl.RetryAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("rate limit = %+v", rl)
	}
	all, _ := h.store.ListTasks(context.Background(), storage.TaskFilter{})
	if len(all) != 0 {
		t.Fatalf("tasks = %d, want 0", len(all))
	}
}

func TestScheduleAtJitterBounds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	at := t0.Add(10 * time.Minute)
	for i := 0; i < 50; i++ {
		task, err := h.svc.ScheduleAt(context.Background(), "art1", "a1", at)
		if err != nil {
			t.Fatalf("ScheduleAt: %v", err)
		}
		got := *task.ScheduledAt
		if got.Before(t0.Add(5*time.Minute)) || got.After(t0.Add(15*time.Minute)) {
			t.Fatalf("scheduled_at %s outside [now+5m, now+15m]", got)
		}
	}
	for _, e := range h.events() {
		if _, ok := e.Payload["jitter_minutes"]; !ok {
			t.Fatalf("scheduled task_created without jitter_minutes: %+v", e.Payload)
		}
	}
}

func TestScheduleBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	ids := []string{"art1", "art2", "art3"}

	tasks, err := h.svc.ScheduleBatch(ctx, ids, "a1", 10*time.Minute)
	if err != nil {
		t.Fatalf("ScheduleBatch: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	for i, task := range tasks {
		want := t0.Add(time.Duration(i) * 10 * time.Minute)
		got := *task.ScheduledAt
		if got.Before(want.Add(-5*time.Minute)) || got.After(want.Add(5*time.Minute)) {
			t.Fatalf("task %d at %s, want %s±5m", i, got, want)
		}
		if task.Mode != domain.ModeBatch || task.ArticleID != ids[i] {
			t.Fatalf("task %d = %+v", i, task)
		}
	}
	if n := len(h.triggers.Pending()); n != 3 {
		t.Fatalf("triggers = %d, want 3", n)
	}
}

func TestScheduleBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()

	if _, err := h.svc.ScheduleBatch(ctx, []string{"art1", "missing"}, "a1", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	for _, iv := range []time.Duration{time.Minute, 25 * time.Hour} {
		if _, err := h.svc.ScheduleBatch(ctx, []string{"art1"}, "a1", iv); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("interval %s: err = %v, want invalid input", iv, err)
		}
	}
	if _, err := h.svc.ScheduleBatch(ctx, nil, "a1", 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty batch: err = %v", err)
	}
	all, _ := h.store.ListTasks(ctx, storage.TaskFilter{})
	if len(all) != 0 {
		t.Fatalf("tasks = %d, want 0", len(all))
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	h.events()

	got, err := h.svc.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("status = %s", got.Status)
	}
	atts, _ := h.svc.Attempts(ctx, task.ID)
	if len(atts) != 1 || atts[0].Outcome != domain.OutcomeSuccess || !strings.HasSuffix(atts[0].ArtifactURL, task.ID) || !atts[0].Finished() {
		t.Fatalf("attempts = %+v", atts)
	}
	art, _ := h.store.GetArticle(ctx, "art1")
	if art.Status != domain.ArticlePublished {
		t.Fatalf("article status = %s", art.Status)
	}

	evs := h.events()
	if len(evs) != 2 || evs[0].Payload["status"] != "running" || evs[1].Payload["status"] != "success" {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Payload["article_url"] == "" {
		t.Fatalf("success event without article_url: %+v", evs[1].Payload)
	}
}

func TestExecuteTwiceYieldsOneAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Execute(ctx, task.ID); err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
	}
	if n := h.pub.calls.Load(); n != 1 {
		t.Fatalf("publisher calls = %d, want 1", n)
	}
	atts, _ := h.svc.Attempts(ctx, task.ID)
	if len(atts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(atts))
	}
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Execute(ctx, task.ID)
		}()
	}
	wg.Wait()
	if n := h.pub.calls.Load(); n != 1 {
		t.Fatalf("publisher calls = %d, want 1", n)
	}
	if got := h.mustGet(t, task.ID); got.Status != domain.StatusSuccess {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestExecuteFailureRecorded(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		fn      func(ctx context.Context, req publisher.Request) (publisher.Result, error)
		wantMsg string
	}{
		{
			name: "error",
			fn: func(context.Context, publisher.Request) (publisher.Result, error) {
				return publisher.Result{}, errors.New("browser crashed")
			},
			wantMsg: "browser crashed",
		},
		{
			name: "unsuccessful result",
			fn: func(context.Context, publisher.Request) (publisher.Result, error) {
				return publisher.Result{Success: false, Message: "captcha"}, nil
			},
			wantMsg: "captcha",
		},
		{
			name: "panic",
			fn: func(context.Context, publisher.Request) (publisher.Result, error) {
				panic("nil profile")
			},
			wantMsg: "nil profile",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, openPolicy(), nil)
			h.pub.fn = tt.fn
			ctx := context.Background()
			task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
			h.events()

			got, err := h.svc.Execute(ctx, task.ID)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got.Status != domain.StatusFailed || got.RetryCount != 1 || !strings.Contains(got.ErrorMessage, tt.wantMsg) {
				t.Fatalf("task = %+v", got)
			}
			atts, _ := h.svc.Attempts(ctx, task.ID)
			if len(atts) != 1 || atts[0].Outcome != domain.OutcomeFailed {
				t.Fatalf("attempts = %+v", atts)
			}
			evs := h.events()
			last := evs[len(evs)-1]
			if last.Payload["status"] != "failed" || last.Payload["retry_count"] != 1 {
				t.Fatalf("last event = %+v", last.Payload)
			}
		})
	}
}

func TestExecuteUnusableAccountSkipsPublisher(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")

	acct, _ := h.store.GetAccount(ctx, "a1")
	acct.LoginState = domain.LoginExpired
	_ = h.store.PutAccount(ctx, acct)

	got, err := h.svc.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != domain.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("task = %+v", got)
	}
	if n := h.pub.calls.Load(); n != 0 {
		t.Fatalf("publisher calls = %d, want 0", n)
	}
}

func TestFailedAttemptKeepsScreenshot(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fn   func(ctx context.Context, req publisher.Request) (publisher.Result, error)
	}{
		{
			name: "unsuccessful result",
			fn: func(context.Context, publisher.Request) (publisher.Result, error) {
				return publisher.Result{Success: false, Message: "captcha", ScreenshotPath: "/shots/fail.png"}, nil
			},
		},
		{
			name: "error with capture",
			fn: func(context.Context, publisher.Request) (publisher.Result, error) {
				return publisher.Result{ScreenshotPath: "/shots/fail.png"}, errors.New("editor did not load")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, openPolicy(), nil)
			h.pub.fn = tt.fn
			ctx := context.Background()
			task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")

			if _, err := h.svc.Execute(ctx, task.ID); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			atts, _ := h.svc.Attempts(ctx, task.ID)
			if len(atts) != 1 || atts[0].Outcome != domain.OutcomeFailed || atts[0].ScreenshotPath != "/shots/fail.png" {
				t.Fatalf("attempts = %+v", atts)
			}
		})
	}
}

func TestErrorMessageSurvivesRetrySuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	h.pub.fn = func(context.Context, publisher.Request) (publisher.Result, error) {
		return publisher.Result{Success: false, Message: "captcha"}, nil
	}
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	if _, err := h.svc.Execute(ctx, task.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	h.clock.Advance(time.Hour)
	if err := h.svc.SweepRetries(ctx); err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}
	if got := h.mustGet(t, task.ID); got.Status != domain.StatusPending {
		t.Fatalf("status after sweep = %s", got.Status)
	}

	h.pub.fn = nil
	got, err := h.svc.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("Execute retry: %v", err)
	}
	if got.Status != domain.StatusSuccess || got.RetryCount != 1 {
		t.Fatalf("task = %+v", got)
	}
	if !strings.Contains(got.ErrorMessage, "captcha") {
		t.Fatalf("error_message = %q, want the earlier failure kept", got.ErrorMessage)
	}
}

func TestPublishSurvivesCallerCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.pub.fn = func(ctx context.Context, req publisher.Request) (publisher.Result, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			return publisher.Result{}, err
		}
		return publisher.Result{Success: true, ArtifactURL: "https://zhuanlan.zhihu.com/p/" + req.TaskID}, nil
	}
	task, _ := h.svc.ScheduleImmediate(context.Background(), "art1", "a1")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		task domain.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		got, err := h.svc.Execute(ctx, task.ID)
		done <- result{got, err}
	}()

	<-entered
	cancel()
	close(release)

	r := <-done
	if r.err != nil {
		t.Fatalf("Execute: %v", r.err)
	}
	if r.task.Status != domain.StatusSuccess || r.task.RetryCount != 0 {
		t.Fatalf("task = %+v", r.task)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleAt(ctx, "art1", "a1", t0.Add(time.Hour))

	got, err := h.svc.Cancel(ctx, task.ID)
	if err != nil || got.Status != domain.StatusCancelled {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	if n := len(h.triggers.Pending()); n != 0 {
		t.Fatalf("trigger still registered")
	}
	if _, err := h.svc.Cancel(ctx, task.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v", err)
	}
	if _, err := h.svc.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing cancel err = %v", err)
	}
	// a stale trigger firing after cancel does nothing
	h.svc.Fire(task.ID)
	if h.pub.calls.Load() != 0 {
		t.Fatal("cancelled task was published")
	}
}

func TestCancelRunningTaskRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	release := make(chan struct{})
	h.pub.fn = func(ctx context.Context, req publisher.Request) (publisher.Result, error) {
		<-release
		return publisher.Result{Success: true}, nil
	}
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.Execute(ctx, task.ID)
	}()
	waitFor(t, 2*time.Second, func() bool { return h.mustGet(t, task.ID).Status == domain.StatusRunning })

	_, err := h.svc.Cancel(ctx, task.ID)
	var te domain.TransitionError
	if !errors.As(err, &te) || te.From != domain.StatusRunning {
		t.Fatalf("err = %v, want transition error from running", err)
	}
	close(release)
	<-done
	if got := h.mustGet(t, task.ID); got.Status != domain.StatusSuccess {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRetryCapIsNeverExceeded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	h.pub.fn = func(context.Context, publisher.Request) (publisher.Result, error) {
		return publisher.Result{}, errors.New("timeout")
	}
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")

	prev := 0
	for round := 1; round <= 3; round++ {
		got, err := h.svc.Execute(ctx, task.ID)
		if err != nil {
			t.Fatalf("Execute round %d: %v", round, err)
		}
		if got.Status != domain.StatusFailed || got.RetryCount != round || got.RetryCount <= prev {
			t.Fatalf("round %d: task = %+v", round, got)
		}
		prev = got.RetryCount

		h.clock.Advance(time.Hour)
		if err := h.svc.SweepRetries(ctx); err != nil {
			t.Fatalf("SweepRetries: %v", err)
		}
		want := domain.StatusPending
		if round == 3 {
			want = domain.StatusFailed
		}
		if got := h.mustGet(t, task.ID); got.Status != want {
			t.Fatalf("round %d: status after sweep = %s, want %s", round, got.Status, want)
		}
	}

	h.clock.Advance(72 * time.Hour)
	_ = h.svc.SweepRetries(ctx)
	got := h.mustGet(t, task.ID)
	if got.Status != domain.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("task at cap = %+v", got)
	}
	if n := h.pub.calls.Load(); n != 3 {
		t.Fatalf("publisher calls = %d, want 3", n)
	}
}

func TestSweepRetriesWaitsForBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	h.pub.fn = func(context.Context, publisher.Request) (publisher.Result, error) {
		return publisher.Result{}, errors.New("timeout")
	}
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	_, _ = h.svc.Execute(ctx, task.ID)
	h.events()

	// first failure: 60s base, up to 30s jitter
	h.clock.Advance(59 * time.Second)
	_ = h.svc.SweepRetries(ctx)
	if got := h.mustGet(t, task.ID); got.Status != domain.StatusFailed {
		t.Fatalf("re-admitted before backoff: %s", got.Status)
	}

	h.clock.Advance(32 * time.Second)
	_ = h.svc.SweepRetries(ctx)
	got := h.mustGet(t, task.ID)
	if got.Status != domain.StatusPending || got.RetryCount != 1 {
		t.Fatalf("task = %+v", got)
	}
	evs := h.events()
	if len(evs) != 1 || evs[0].Payload["status"] != "pending" || evs[0].Payload["retry_count"] != 1 {
		t.Fatalf("events = %+v", evs)
	}
}

func TestRequeueIgnoresCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	if _, err := h.store.UpdateTask(ctx, task.ID, domain.StatusPending, func(x *domain.Task) {
		x.Status = domain.StatusRunning
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.UpdateTask(ctx, task.ID, domain.StatusRunning, func(x *domain.Task) {
		x.Status = domain.StatusFailed
		x.RetryCount = 3
	}); err != nil {
		t.Fatal(err)
	}

	got, err := h.svc.Requeue(ctx, task.ID)
	if err != nil || got.Status != domain.StatusPending || got.RetryCount != 3 {
		t.Fatalf("Requeue = %+v, %v", got, err)
	}
	if _, err := h.svc.Requeue(ctx, task.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("requeue pending err = %v", err)
	}
}

func TestReschedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx := context.Background()
	task, _ := h.svc.ScheduleAt(ctx, "art1", "a1", t0.Add(time.Hour))
	at := t0.Add(3 * time.Hour)

	got, err := h.svc.Reschedule(ctx, task.ID, at)
	if err != nil || !got.ScheduledAt.Equal(at) {
		t.Fatalf("Reschedule = %+v, %v", got, err)
	}
	regs := h.triggers.Pending()
	if len(regs) != 1 || !regs[0].At.Equal(at) {
		t.Fatalf("triggers = %+v", regs)
	}
}

func TestFireDefersWhenSpacingDenies(t *testing.T) {
	t.Parallel()
	p := openPolicy()
	p.MinInterval = 5 * time.Minute
	h := newHarness(t, p, nil)
	ctx := context.Background()
	first, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	second, _ := h.svc.ScheduleImmediate(ctx, "art2", "a1")

	if got, _ := h.svc.Execute(ctx, first.ID); got.Status != domain.StatusSuccess {
		t.Fatalf("first = %+v", got)
	}
	h.events()

	h.svc.Fire(second.ID)
	got := h.mustGet(t, second.ID)
	want := t0.Add(5 * time.Minute)
	if got.Status != domain.StatusPending || got.ScheduledAt == nil || !got.ScheduledAt.Equal(want) {
		t.Fatalf("second = %+v, want deferred to %s", got, want)
	}
	evs := h.events()
	if len(evs) != 1 || evs[0].Payload["deferred"] != true || evs[0].Payload["gate"] != "spacing" {
		t.Fatalf("events = %+v", evs)
	}
	var found bool
	for _, r := range h.triggers.Pending() {
		if r.Key == second.ID && r.At.Equal(want) {
			found = true
		}
	}
	if !found {
		t.Fatalf("deferred trigger not registered: %+v", h.triggers.Pending())
	}
	if h.pub.calls.Load() != 1 {
		t.Fatalf("publisher calls = %d", h.pub.calls.Load())
	}
}

func TestExecuteSerializesSpacingPerAccount(t *testing.T) {
	t.Parallel()
	p := openPolicy()
	p.MinInterval = 5 * time.Minute
	h := newHarness(t, p, nil)
	release := make(chan struct{})
	h.pub.fn = func(ctx context.Context, req publisher.Request) (publisher.Result, error) {
		<-release
		return publisher.Result{Success: true}, nil
	}
	ctx := context.Background()
	first, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	second, _ := h.svc.ScheduleImmediate(ctx, "art2", "a1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.Execute(ctx, first.ID)
	}()
	waitFor(t, 2*time.Second, func() bool { return h.mustGet(t, first.ID).Status == domain.StatusRunning })

	got, err := h.svc.Execute(ctx, second.ID)
	if err != nil {
		t.Fatalf("Execute second: %v", err)
	}
	if got.Status != domain.StatusPending || got.ScheduledAt == nil {
		t.Fatalf("second = %+v, want deferred", got)
	}
	close(release)
	<-done
	if n := h.pub.calls.Load(); n != 1 {
		t.Fatalf("publisher calls = %d, want 1", n)
	}
}

func TestSweepPendingDispatchesDueTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, openPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop(context.Background())

	due, _ := h.svc.ScheduleImmediate(ctx, "art1", "a1")
	later, _ := h.svc.ScheduleAt(ctx, "art2", "a1", t0.Add(2*time.Hour))

	if err := h.svc.SweepPending(ctx); err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return h.mustGet(t, due.ID).Status == domain.StatusSuccess })
	if got := h.mustGet(t, later.ID); got.Status != domain.StatusPending {
		t.Fatalf("future task status = %s", got.Status)
	}
}

func TestStartRestoresTriggersFromStore(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st)

	// a previous process created the task and exited before it fired
	before := newHarness(t, openPolicy(), st)
	task, err := before.svc.ScheduleImmediate(context.Background(), "art1", "a1")
	if err != nil {
		t.Fatalf("ScheduleImmediate: %v", err)
	}

	after := newHarness(t, openPolicy(), st)
	if err := after.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer after.svc.Shutdown(context.Background())

	waitFor(t, 3*time.Second, func() bool { return after.mustGet(t, task.ID).Status == domain.StatusSuccess })
	if after.pub.calls.Load() != 1 || before.pub.calls.Load() != 0 {
		t.Fatalf("calls before=%d after=%d", before.pub.calls.Load(), after.pub.calls.Load())
	}
	jobs := after.triggers.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("periodic jobs = %+v", jobs)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New with no deps should fail")
	}
}
