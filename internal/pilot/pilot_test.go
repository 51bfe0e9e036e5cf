package pilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/generator"
	"zhihupub/internal/ratelimit"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeDrafts struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (f *fakeDrafts) Create(_ context.Context, p generator.Prompt) (domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Article{}, f.err
	}
	f.topics = append(f.topics, p.Topic)
	return domain.Article{ID: "art-" + p.Topic, Title: p.Topic}, nil
}

type fakeQueue struct {
	ids      []string
	account  string
	interval time.Duration
}

func (f *fakeQueue) ScheduleBatch(_ context.Context, ids []string, accountID string, interval time.Duration) ([]domain.Task, error) {
	f.ids, f.account, f.interval = ids, accountID, interval
	out := make([]domain.Task, len(ids))
	for i, id := range ids {
		out[i] = domain.Task{ID: "t-" + id, ArticleID: id, AccountID: accountID}
	}
	return out, nil
}

type fakeAccounts []domain.Account

func (f fakeAccounts) ListAccounts(context.Context) ([]domain.Account, error) { return f, nil }

type fixedWindow struct{ p ratelimit.Policy }

func (w fixedWindow) Policy() ratelimit.Policy { return w.p }

func window() fixedWindow {
	p := ratelimit.DefaultPolicy()
	p.Location = time.UTC
	return fixedWindow{p}
}

func newPilot(t *testing.T, cfg Config, d Deps, now *time.Time) *Service {
	t.Helper()
	if d.Window == nil {
		d.Window = window()
	}
	d.Now = func() time.Time { return *now }
	s, err := New(cfg, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRunOnceUsesEachTopicOnce(t *testing.T) {
	t.Parallel()
	now := t0
	drafts := &fakeDrafts{}
	s := newPilot(t, Config{
		BatchSize: 2,
		Directions: []Direction{{
			Name:       "golang",
			Topics:     []string{"Why Go?", "why go", "Channels in practice", "Generics, two years on"},
			DailyCount: 10,
		}},
	}, Deps{Drafts: drafts}, &now)

	r := s.RunOnce(context.Background())
	if len(r) != 1 || r[0].Generated != 2 {
		t.Fatalf("first run = %+v", r)
	}
	r = s.RunOnce(context.Background())
	if r[0].Generated != 1 {
		t.Fatalf("second run = %+v", r)
	}
	r = s.RunOnce(context.Background())
	if r[0].Generated != 0 || r[0].Message == "" {
		t.Fatalf("exhausted run = %+v", r)
	}
	want := []string{"Why Go?", "Channels in practice", "Generics, two years on"}
	if len(drafts.topics) != len(want) {
		t.Fatalf("topics = %v, want %v", drafts.topics, want)
	}
	for i := range want {
		if drafts.topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", drafts.topics, want)
		}
	}
}

func TestDailyCountResetsAtMidnight(t *testing.T) {
	t.Parallel()
	now := t0
	s := newPilot(t, Config{
		Directions: []Direction{{
			Name:       "go",
			Topics:     []string{"a1", "a2", "a3", "a4"},
			DailyCount: 2,
		}},
	}, Deps{Drafts: &fakeDrafts{}}, &now)

	if r := s.RunOnce(context.Background()); r[0].Generated != 2 {
		t.Fatalf("run = %+v", r)
	}
	if r := s.RunOnce(context.Background()); r[0].Generated != 0 {
		t.Fatalf("capped run = %+v", r)
	}
	now = t0.Add(24 * time.Hour)
	if r := s.RunOnce(context.Background()); r[0].Generated != 2 {
		t.Fatalf("next day run = %+v", r)
	}
}

func TestAutoPublishQueuesBatch(t *testing.T) {
	t.Parallel()
	now := t0
	q := &fakeQueue{}
	accts := fakeAccounts{
		{ID: "off", Active: false, LoginState: domain.LoginLoggedIn},
		{ID: "a1", Active: true, LoginState: domain.LoginLoggedIn},
	}
	bus := eventbus.New(eventbus.Config{})
	sub := bus.Subscribe()
	defer sub.Close()

	s := newPilot(t, Config{
		Directions: []Direction{{
			Name:            "go",
			Keywords:        []string{"goroutines", "interfaces"},
			DailyCount:      5,
			AutoPublish:     true,
			PublishInterval: 45 * time.Minute,
		}},
	}, Deps{Drafts: &fakeDrafts{}, Queue: q, Accounts: accts, Bus: bus}, &now)

	r := s.RunOnce(context.Background())
	if r[0].Generated != 2 || r[0].Queued != 2 || r[0].Error != "" {
		t.Fatalf("run = %+v", r)
	}
	if q.account != "a1" || q.interval != 45*time.Minute || len(q.ids) != 2 {
		t.Fatalf("queue got %v for %q every %s", q.ids, q.account, q.interval)
	}
	select {
	case e := <-sub.C():
		if e.Type != eventbus.TypePilotBatch || e.Payload["articles_queued"] != 2 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no pilot event published")
	}
}

func TestTickRespectsActiveWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC)
	drafts := &fakeDrafts{}
	s := newPilot(t, Config{
		Directions: []Direction{{Name: "go", Topics: []string{"x"}}},
	}, Deps{Drafts: drafts}, &now)

	s.Tick(context.Background())
	if len(drafts.topics) != 0 {
		t.Fatalf("generated outside window: %v", drafts.topics)
	}
	if st := s.Stats(); st.Skipped != 1 || st.Runs != 0 {
		t.Fatalf("stats = %+v", st)
	}

	now = t0
	s.Tick(context.Background())
	if len(drafts.topics) != 1 {
		t.Fatalf("topics = %v", drafts.topics)
	}
}

func TestDraftFailureKeepsTopicAvailable(t *testing.T) {
	t.Parallel()
	now := t0
	drafts := &fakeDrafts{err: errors.New("quota exceeded")}
	s := newPilot(t, Config{
		Directions: []Direction{{Name: "go", Topics: []string{"x"}}},
	}, Deps{Drafts: drafts}, &now)

	r := s.RunOnce(context.Background())
	if r[0].Generated != 0 || r[0].Error == "" {
		t.Fatalf("run = %+v", r)
	}
	drafts.err = nil
	if r := s.RunOnce(context.Background()); r[0].Generated != 1 {
		t.Fatalf("retry run = %+v", r)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no drafts", Config{}, Deps{Window: window()}},
		{"no window", Config{}, Deps{Drafts: &fakeDrafts{}}},
		{"empty name", Config{Directions: []Direction{{Name: " "}}}, Deps{Drafts: &fakeDrafts{}, Window: window()}},
		{"duplicate", Config{Directions: []Direction{{Name: "a"}, {Name: "a"}}}, Deps{Drafts: &fakeDrafts{}, Window: window()}},
		{"auto-publish without queue", Config{Directions: []Direction{{Name: "a", AutoPublish: true}}}, Deps{Drafts: &fakeDrafts{}, Window: window()}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg, tt.deps); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTopicHashIgnoresCaseAndPunctuation(t *testing.T) {
	t.Parallel()
	if topicHash("Why Go?") != topicHash("why go") {
		t.Fatal("case and punctuation should not matter")
	}
	if topicHash("why go") == topicHash("why rust") {
		t.Fatal("different topics collide")
	}
}
