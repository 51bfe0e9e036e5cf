package scheduler

import (
	"context"

	"zhihupub/internal/domain"
	"zhihupub/internal/storage"
)

func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) List(ctx context.Context, f storage.TaskFilter) ([]domain.Task, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, domain.InvalidInput("unknown status %q", st)
		}
	}
	if f.Limit < 0 {
		return nil, domain.InvalidInput("limit must not be negative")
	}
	return s.store.ListTasks(ctx, f)
}

// Attempts returns a task's attempt history, oldest first.
func (s *Service) Attempts(ctx context.Context, taskID string) ([]domain.Attempt, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, taskID)
}
