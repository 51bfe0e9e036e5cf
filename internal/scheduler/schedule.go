package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/storage"
	logx "zhihupub/pkg/logx"
)

// validate resolves the article and account a new task would use.
func (s *Service) validate(ctx context.Context, articleID, accountID string) (domain.Account, error) {
	if strings.TrimSpace(articleID) == "" {
		return domain.Account{}, domain.InvalidInput("article_id is required")
	}
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		return domain.Account{}, err
	}
	return s.validateAccount(ctx, accountID)
}

func (s *Service) validateAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return domain.Account{}, domain.InvalidInput("account_id is required")
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if err := acct.CheckUsable(); err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

func (s *Service) newTask(articleID, accountID string, mode domain.Mode, at *time.Time, now time.Time) domain.Task {
	return domain.Task{
		ID:          domain.NewID(),
		ArticleID:   articleID,
		AccountID:   accountID,
		Status:      domain.StatusPending,
		Mode:        mode,
		ScheduledAt: at,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ScheduleImmediate creates a task that runs as soon as possible. The rate
// limiter is consulted first; a denial creates nothing.
func (s *Service) ScheduleImmediate(ctx context.Context, articleID, accountID string) (domain.Task, error) {
	acct, err := s.validate(ctx, articleID, accountID)
	if err != nil {
		return domain.Task{}, err
	}
	now := s.now()
	dec, err := s.limiter.Check(ctx, acct, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !dec.Allowed {
		s.metrics.LimiterDenied(string(dec.Gate))
		return domain.Task{}, dec.Err()
	}

	t := s.newTask(articleID, accountID, domain.ModeImmediate, nil, now)
	if err := s.store.CreateTasks(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.metrics.TaskCreated(string(domain.ModeImmediate), 1)
	s.emit(eventbus.TypeTaskCreated, createdPayload(t, nil))
	s.arm(t)
	s.log.Info("task created", logx.String("task", t.ID), logx.String("mode", string(t.Mode)), logx.String("account", accountID))
	return t, nil
}

// ScheduleAt creates a task for the given time, shifted by a random offset
// within ±ScheduleJitter.
func (s *Service) ScheduleAt(ctx context.Context, articleID, accountID string, at time.Time) (domain.Task, error) {
	if at.IsZero() {
		return domain.Task{}, domain.InvalidInput("scheduled_at is required")
	}
	if _, err := s.validate(ctx, articleID, accountID); err != nil {
		return domain.Task{}, err
	}
	now := s.now()
	jitter := s.backoff.ScheduleJitter(s.cfg.ScheduleJitter)
	fireAt := at.Add(jitter)

	t := s.newTask(articleID, accountID, domain.ModeScheduled, &fireAt, now)
	if err := s.store.CreateTasks(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.metrics.TaskCreated(string(domain.ModeScheduled), 1)
	s.emit(eventbus.TypeTaskCreated, createdPayload(t, map[string]any{
		"jitter_minutes": roundMinutes(jitter),
	}))
	s.arm(t)
	s.log.Info("task created",
		logx.String("task", t.ID),
		logx.String("mode", string(t.Mode)),
		logx.Time("requested", at),
		logx.Time("scheduled_at", fireAt),
	)
	return t, nil
}

// ScheduleBatch spreads articles from now at the given interval (0 means the
// default). Every article is validated before anything is created.
func (s *Service) ScheduleBatch(ctx context.Context, articleIDs []string, accountID string, interval time.Duration) ([]domain.Task, error) {
	if len(articleIDs) == 0 {
		return nil, domain.InvalidInput("article_ids must not be empty")
	}
	if interval == 0 {
		interval = s.cfg.BatchIntervalDefault
	}
	if interval < s.cfg.BatchIntervalMin || interval > s.cfg.BatchIntervalMax {
		return nil, domain.InvalidInput("interval must be within [%s, %s], got %s", s.cfg.BatchIntervalMin, s.cfg.BatchIntervalMax, interval)
	}
	if _, err := s.validateAccount(ctx, accountID); err != nil {
		return nil, err
	}
	for _, id := range articleIDs {
		if strings.TrimSpace(id) == "" {
			return nil, domain.InvalidInput("article_ids must not contain empty ids")
		}
		if _, err := s.store.GetArticle(ctx, id); err != nil {
			return nil, err
		}
	}

	now := s.now()
	times := s.backoff.BatchTimes(now, len(articleIDs), interval, s.cfg.ScheduleJitter)
	tasks := make([]domain.Task, len(articleIDs))
	for i, id := range articleIDs {
		at := times[i]
		tasks[i] = s.newTask(id, accountID, domain.ModeBatch, &at, now)
	}
	if err := s.store.CreateTasks(ctx, tasks...); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	s.metrics.TaskCreated(string(domain.ModeBatch), len(tasks))
	for _, t := range tasks {
		s.emit(eventbus.TypeTaskCreated, createdPayload(t, nil))
		s.arm(t)
	}
	s.log.Info("batch created", logx.Int("tasks", len(tasks)), logx.Duration("interval", interval), logx.String("account", accountID))
	return tasks, nil
}

// Cancel moves a pending task to cancelled.
func (s *Service) Cancel(ctx context.Context, taskID string) (domain.Task, error) {
	now := s.now()
	t, err := s.store.UpdateTask(ctx, taskID, domain.StatusPending, func(t *domain.Task) {
		t.Status = domain.StatusCancelled
		t.UpdatedAt = now
	})
	if err != nil {
		return domain.Task{}, s.transitionErr(taskID, domain.StatusCancelled, err)
	}
	s.triggers.Cancel(taskID)
	s.metrics.TaskTransition(string(domain.StatusCancelled))
	s.emit(eventbus.TypeTaskCancelled, map[string]any{
		"task_id":    t.ID,
		"article_id": t.ArticleID,
		"account_id": t.AccountID,
		"status":     string(domain.StatusCancelled),
	})
	s.log.Info("task cancelled", logx.String("task", taskID))
	return t, nil
}

// Reschedule moves a pending task's fire time. No jitter is applied.
func (s *Service) Reschedule(ctx context.Context, taskID string, at time.Time) (domain.Task, error) {
	if at.IsZero() {
		return domain.Task{}, domain.InvalidInput("scheduled_at is required")
	}
	now := s.now()
	t, err := s.store.UpdateTask(ctx, taskID, domain.StatusPending, func(t *domain.Task) {
		t.ScheduledAt = &at
		t.UpdatedAt = now
	})
	if err != nil {
		return domain.Task{}, s.transitionErr(taskID, domain.StatusPending, err)
	}
	s.arm(t)
	s.emit(eventbus.TypeTaskUpdate, map[string]any{
		"task_id":      t.ID,
		"status":       string(t.Status),
		"scheduled_at": at.Format(time.RFC3339),
		"message":      "rescheduled",
	})
	return t, nil
}

// Requeue returns a failed task to pending right away, regardless of the
// retry cap. retry_count is kept.
func (s *Service) Requeue(ctx context.Context, taskID string) (domain.Task, error) {
	now := s.now()
	t, err := s.store.UpdateTask(ctx, taskID, domain.StatusFailed, func(t *domain.Task) {
		t.Status = domain.StatusPending
		t.ScheduledAt = nil
		t.UpdatedAt = now
	})
	if err != nil {
		return domain.Task{}, s.transitionErr(taskID, domain.StatusPending, err)
	}
	s.metrics.TaskTransition(string(domain.StatusPending))
	s.arm(t)
	s.emit(eventbus.TypeTaskUpdate, map[string]any{
		"task_id":     t.ID,
		"status":      string(t.Status),
		"retry_count": t.RetryCount,
		"message":     "requeued by operator",
	})
	s.log.Info("task requeued", logx.String("task", taskID), logx.Int("retry_count", t.RetryCount))
	return t, nil
}

// transitionErr maps a lost compare-and-set to the domain error callers see.
func (s *Service) transitionErr(taskID string, to domain.Status, err error) error {
	var ce storage.ConflictError
	if errors.As(err, &ce) {
		return domain.TransitionError{TaskID: taskID, From: ce.Actual, To: to}
	}
	return err
}

// arm registers the task's trigger at its fire time.
func (s *Service) arm(t domain.Task) {
	id := t.ID
	if err := s.triggers.At(id, t.FireAt(s.now()), func() { s.Fire(id) }); err != nil {
		s.log.Warn("arm trigger failed", logx.String("task", id), logx.Err(err))
	}
}

func (s *Service) restoreTriggers(ctx context.Context) (int, error) {
	pending, err := s.store.ListTasks(ctx, storage.TaskFilter{Statuses: []domain.Status{domain.StatusPending}})
	if err != nil {
		return 0, err
	}
	for _, t := range pending {
		s.arm(t)
	}
	return len(pending), nil
}

func createdPayload(t domain.Task, extra map[string]any) map[string]any {
	p := map[string]any{
		"task_id":      t.ID,
		"article_id":   t.ArticleID,
		"account_id":   t.AccountID,
		"scheduled_at": nil,
		"mode":         string(t.Mode),
	}
	if t.ScheduledAt != nil {
		p["scheduled_at"] = t.ScheduledAt.Format(time.RFC3339)
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func roundMinutes(d time.Duration) float64 {
	m := d.Minutes()
	if m < 0 {
		return -float64(int64(-m*100+0.5)) / 100
	}
	return float64(int64(m*100+0.5)) / 100
}
