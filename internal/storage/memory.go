package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/ratelimit"
)

type memoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]domain.Task
	attempts map[string]domain.Attempt
	byTask   map[string][]string
	accounts map[string]domain.Account
	articles map[string]domain.Article
}

func NewMemory() Store {
	return &memoryStore{
		tasks:    map[string]domain.Task{},
		attempts: map[string]domain.Attempt{},
		byTask:   map[string][]string{},
		accounts: map[string]domain.Account{},
		articles: map[string]domain.Article{},
	}
}

func cloneTask(t domain.Task) domain.Task {
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		t.ScheduledAt = &at
	}
	return t
}

func cloneAttempt(a domain.Attempt) domain.Attempt {
	if a.FinishedAt != nil {
		at := *a.FinishedAt
		a.FinishedAt = &at
	}
	return a
}

func cloneArticle(a domain.Article) domain.Article {
	a.Tags = append([]string(nil), a.Tags...)
	return a
}

func (m *memoryStore) CreateTasks(_ context.Context, tasks ...domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			return domain.InvalidInput("task id is required")
		}
		if _, dup := m.tasks[t.ID]; dup {
			return domain.InvalidInput("task %s already exists", t.ID)
		}
	}
	for _, t := range tasks {
		m.tasks[t.ID] = cloneTask(t)
	}
	return nil
}

func (m *memoryStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFound("task", id)
	}
	return cloneTask(t), nil
}

func (m *memoryStore) UpdateTask(_ context.Context, id string, expect domain.Status, fn func(*domain.Task)) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFound("task", id)
	}
	if t.Status != expect {
		return domain.Task{}, ConflictError{TaskID: id, Expected: expect, Actual: t.Status}
	}
	next := cloneTask(t)
	fn(&next)
	next.ID = id
	m.tasks[id] = next
	return cloneTask(next), nil
}

func (m *memoryStore) ListTasks(_ context.Context, f TaskFilter) ([]domain.Task, error) {
	m.mu.RLock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !matchStatus(f.Statuses, t.Status) {
			continue
		}
		if f.AccountID != "" && t.AccountID != f.AccountID {
			continue
		}
		if !f.DueAt.IsZero() && t.ScheduledAt != nil && t.ScheduledAt.After(f.DueAt) {
			continue
		}
		if f.RetryBelow > 0 && t.RetryCount >= f.RetryBelow {
			continue
		}
		out = append(out, cloneTask(t))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			if f.Newest {
				return a.ID > b.ID
			}
			return a.ID < b.ID
		}
		if f.Newest {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryStore) AppendAttempt(_ context.Context, a domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.attempts[a.ID]; dup {
		return domain.InvalidInput("attempt %s already exists", a.ID)
	}
	m.attempts[a.ID] = cloneAttempt(a)
	m.byTask[a.TaskID] = append(m.byTask[a.TaskID], a.ID)
	return nil
}

func (m *memoryStore) FinishAttempt(_ context.Context, id string, r domain.AttemptResult) (domain.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.NotFound("attempt", id)
	}
	if a.Finished() {
		return domain.Attempt{}, domain.InvalidInput("attempt %s already finished", id)
	}
	applyResult(&a, r)
	m.attempts[id] = a
	return cloneAttempt(a), nil
}

func applyResult(a *domain.Attempt, r domain.AttemptResult) {
	at := r.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	a.Outcome = r.Outcome
	a.FinishedAt = &at
	a.ArtifactURL = r.ArtifactURL
	a.ScreenshotPath = r.ScreenshotPath
	a.Message = r.Message
}

func (m *memoryStore) ListAttempts(_ context.Context, taskID string) ([]domain.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byTask[taskID]
	out := make([]domain.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAttempt(m.attempts[id]))
	}
	return out, nil
}

func (m *memoryStore) PutAccount(_ context.Context, a domain.Account) error {
	if a.ID == "" {
		return domain.InvalidInput("account id is required")
	}
	m.mu.Lock()
	m.accounts[a.ID] = a
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetAccount(_ context.Context, id string) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.NotFound("account", id)
	}
	return a, nil
}

func (m *memoryStore) ListAccounts(_ context.Context) ([]domain.Account, error) {
	m.mu.RLock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) PutArticle(_ context.Context, a domain.Article) error {
	if a.ID == "" {
		return domain.InvalidInput("article id is required")
	}
	m.mu.Lock()
	m.articles[a.ID] = cloneArticle(a)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetArticle(_ context.Context, id string) (domain.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	if !ok {
		return domain.Article{}, domain.NotFound("article", id)
	}
	return cloneArticle(a), nil
}

func (m *memoryStore) MarkArticlePublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return domain.NotFound("article", id)
	}
	a.Status = domain.ArticlePublished
	a.UpdatedAt = at
	m.articles[id] = a
	return nil
}

func (m *memoryStore) AccountUsage(_ context.Context, accountID string, since time.Time) (ratelimit.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var u ratelimit.Usage
	for _, t := range m.tasks {
		if t.AccountID != accountID {
			continue
		}
		switch t.Status {
		case domain.StatusSuccess:
			if !t.UpdatedAt.Before(since) {
				u.SuccessToday++
			}
		case domain.StatusRunning:
		default:
			continue
		}
		if t.UpdatedAt.After(u.LastActivity) {
			u.LastActivity = t.UpdatedAt
		}
	}
	return u, nil
}

func (m *memoryStore) Close() error { return nil }
