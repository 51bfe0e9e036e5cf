package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/ratelimit"
)

// ErrConflict is returned by UpdateTask when the task's status no longer
// matches the expected one (another writer got there first).
var ErrConflict = errors.New("storage: status conflict")

// ConflictError carries the status actually found.
type ConflictError struct {
	TaskID   string
	Expected domain.Status
	Actual   domain.Status
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("task %s: expected status %s, found %s", e.TaskID, e.Expected, e.Actual)
}
func (e ConflictError) Unwrap() error { return ErrConflict }

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default; state is lost on exit)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx; DSN is required
type Config struct {
	Driver       string
	Path         string        // sqlite only
	DSN          string        // postgres only
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// TaskFilter selects tasks for List. Zero fields do not filter.
type TaskFilter struct {
	Statuses  []domain.Status
	AccountID string
	// DueAt keeps tasks whose scheduled_at is null or <= DueAt.
	DueAt time.Time
	// RetryBelow keeps tasks with retry_count < RetryBelow.
	RetryBelow int
	// Newest orders by created_at descending; default is ascending.
	Newest bool
	Limit  int
}

// Store is the persistence API used by the scheduler and the HTTP layer.
//
// All reads return copies; mutating a returned value never changes the store.
type Store interface {
	CreateTasks(ctx context.Context, tasks ...domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	// UpdateTask applies fn to the task only if its status equals expect.
	// It returns ConflictError (ErrConflict) otherwise. fn must not change ID.
	UpdateTask(ctx context.Context, id string, expect domain.Status, fn func(*domain.Task)) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)

	AppendAttempt(ctx context.Context, a domain.Attempt) error
	// FinishAttempt records the result; a finished attempt is never modified again.
	FinishAttempt(ctx context.Context, id string, r domain.AttemptResult) (domain.Attempt, error)
	ListAttempts(ctx context.Context, taskID string) ([]domain.Attempt, error)

	PutAccount(ctx context.Context, a domain.Account) error
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	PutArticle(ctx context.Context, a domain.Article) error
	GetArticle(ctx context.Context, id string) (domain.Article, error)
	MarkArticlePublished(ctx context.Context, id string, at time.Time) error

	ratelimit.UsageSource

	Close() error
}

func matchStatus(set []domain.Status, s domain.Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
