package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zhihupub/internal/domain"
	logx "zhihupub/pkg/logx"
)

// base is millisecond-aligned so SQL round trips compare equal.
var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pub.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func pendingTask(id, account string, created time.Time, scheduled *time.Time) domain.Task {
	return domain.Task{
		ID: id, ArticleID: "art-" + id, AccountID: account,
		Status: domain.StatusPending, Mode: domain.ModeImmediate, ScheduledAt: scheduled,
		CreatedAt: created, UpdatedAt: created,
	}
}

func TestTaskCreateGetList(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		future := base.Add(time.Hour)
		past := base.Add(-time.Minute)
		err := st.CreateTasks(ctx,
			pendingTask("t1", "a1", base, nil),
			pendingTask("t2", "a1", base.Add(time.Second), &future),
			pendingTask("t3", "a2", base.Add(2*time.Second), &past),
		)
		if err != nil {
			t.Fatalf("CreateTasks: %v", err)
		}

		got, err := st.GetTask(ctx, "t2")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.ScheduledAt == nil || !got.ScheduledAt.Equal(future) || got.Status != domain.StatusPending {
			t.Fatalf("GetTask = %+v", got)
		}
		if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetTask missing err = %v", err)
		}

		due, _ := st.ListTasks(ctx, TaskFilter{Statuses: []domain.Status{domain.StatusPending}, DueAt: base})
		if len(due) != 2 || due[0].ID != "t1" || due[1].ID != "t3" {
			t.Fatalf("due = %v, want t1,t3", ids(due))
		}
		byAcct, _ := st.ListTasks(ctx, TaskFilter{AccountID: "a1", Newest: true, Limit: 1})
		if len(byAcct) != 1 || byAcct[0].ID != "t2" {
			t.Fatalf("newest for a1 = %v, want t2", ids(byAcct))
		}
	})
}

func ids(ts []domain.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestUpdateTaskCompareAndSet(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.CreateTasks(ctx, pendingTask("t1", "a1", base, nil))

		upd, err := st.UpdateTask(ctx, "t1", domain.StatusPending, func(t *domain.Task) {
			t.Status = domain.StatusRunning
			t.UpdatedAt = base.Add(time.Minute)
		})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		if upd.Status != domain.StatusRunning || !upd.UpdatedAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("updated = %+v", upd)
		}

		_, err = st.UpdateTask(ctx, "t1", domain.StatusPending, func(t *domain.Task) { t.Status = domain.StatusCancelled })
		var ce ConflictError
		if !errors.Is(err, ErrConflict) || !errors.As(err, &ce) || ce.Actual != domain.StatusRunning {
			t.Fatalf("stale CAS err = %v, want ConflictError{Actual: running}", err)
		}
		if _, err := st.UpdateTask(ctx, "nope", domain.StatusPending, func(*domain.Task) {}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing task err = %v", err)
		}
	})
}

func TestUpdateTaskSingleWinnerUnderRace(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.CreateTasks(ctx, pendingTask("t1", "a1", base, nil))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.UpdateTask(ctx, "t1", domain.StatusPending, func(t *domain.Task) { t.Status = domain.StatusRunning })
				if err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("winners = %d, want exactly 1", wins.Load())
		}
	})
}

func TestAttemptsAppendOnly(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := domain.Attempt{ID: "at1", TaskID: "t1", ArticleID: "art", AccountID: "a1", Outcome: domain.OutcomeRunning, StartedAt: base}
		if err := st.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}
		fin, err := st.FinishAttempt(ctx, "at1", domain.AttemptResult{
			Outcome: domain.OutcomeSuccess, ArtifactURL: "https://example.com/p/1", ScreenshotPath: "/tmp/s.png", FinishedAt: base.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("FinishAttempt: %v", err)
		}
		if fin.Outcome != domain.OutcomeSuccess || fin.FinishedAt == nil || !fin.FinishedAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("finished = %+v", fin)
		}
		if _, err := st.FinishAttempt(ctx, "at1", domain.AttemptResult{Outcome: domain.OutcomeFailed}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("second FinishAttempt err = %v, want ErrInvalidInput", err)
		}
		list, _ := st.ListAttempts(ctx, "t1")
		if len(list) != 1 || list[0].ArtifactURL != "https://example.com/p/1" || list[0].Outcome != domain.OutcomeSuccess {
			t.Fatalf("ListAttempts = %+v", list)
		}
	})
}

func TestAccountsAndArticles(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		acct := domain.Account{ID: "a1", Nickname: "writer", Active: true, LoginState: domain.LoginLoggedIn, DailyLimit: 3, CreatedAt: base}
		if err := st.PutAccount(ctx, acct); err != nil {
			t.Fatalf("PutAccount: %v", err)
		}
		got, err := st.GetAccount(ctx, "a1")
		if err != nil || got.Nickname != "writer" || !got.Active || got.DailyLimit != 3 {
			t.Fatalf("GetAccount = %+v, %v", got, err)
		}
		if _, err := st.GetAccount(ctx, "zz"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing account err = %v", err)
		}
		all, _ := st.ListAccounts(ctx)
		if len(all) != 1 {
			t.Fatalf("ListAccounts len = %d", len(all))
		}

		art := domain.Article{ID: "p1", Title: "T", Body: "B", Tags: []string{"go", "ops"}, WordCount: 1, Status: domain.ArticleDraft, CreatedAt: base, UpdatedAt: base}
		if err := st.PutArticle(ctx, art); err != nil {
			t.Fatalf("PutArticle: %v", err)
		}
		if err := st.MarkArticlePublished(ctx, "p1", base.Add(time.Hour)); err != nil {
			t.Fatalf("MarkArticlePublished: %v", err)
		}
		gotArt, err := st.GetArticle(ctx, "p1")
		if err != nil || gotArt.Status != domain.ArticlePublished || len(gotArt.Tags) != 2 || gotArt.Tags[1] != "ops" {
			t.Fatalf("GetArticle = %+v, %v", gotArt, err)
		}
		if err := st.MarkArticlePublished(ctx, "nope", base); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("publish missing err = %v", err)
		}
	})
}

func TestAccountUsage(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mk := func(id string, status domain.Status, updated time.Time) domain.Task {
			t := pendingTask(id, "a1", base.Add(-48*time.Hour), nil)
			t.Status = status
			t.UpdatedAt = updated
			return t
		}
		midnight := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
		_ = st.CreateTasks(ctx,
			mk("y", domain.StatusSuccess, midnight.Add(-time.Hour)),   // yesterday
			mk("s1", domain.StatusSuccess, midnight.Add(time.Hour)),   // today
			mk("s2", domain.StatusSuccess, midnight),                  // exactly midnight counts
			mk("r", domain.StatusRunning, base.Add(-2*time.Minute)),   // latest activity
			mk("f", domain.StatusFailed, base),                        // ignored
		)
		other := mk("o", domain.StatusSuccess, base)
		other.AccountID = "a2"
		_ = st.CreateTasks(ctx, other)

		u, err := st.AccountUsage(ctx, "a1", midnight)
		if err != nil {
			t.Fatalf("AccountUsage: %v", err)
		}
		if u.SuccessToday != 2 {
			t.Fatalf("SuccessToday = %d, want 2", u.SuccessToday)
		}
		if !u.LastActivity.Equal(base.Add(-2 * time.Minute)) {
			t.Fatalf("LastActivity = %v, want %v", u.LastActivity, base.Add(-2*time.Minute))
		}

		none, _ := st.AccountUsage(ctx, "fresh", midnight)
		if none.SuccessToday != 0 || !none.LastActivity.IsZero() {
			t.Fatalf("fresh usage = %+v", none)
		}
	})
}

func TestRebindAndSplit(t *testing.T) {
	t.Parallel()
	if got := dialectPostgres.rebind("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Fatalf("rebind = %q", got)
	}
	if got := dialectSQLite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
	stmts := splitStatements("-- header\nCREATE TABLE x (a INT);\n\n-- only a comment\n;CREATE INDEX i ON x (a);\n")
	if len(stmts) != 2 {
		t.Fatalf("splitStatements = %q", stmts)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st == nil {
		t.Fatalf("default driver = %v, %v", st, err)
	}
}
