package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/storage"
	logx "zhihupub/pkg/logx"
)

// SweepPending dispatches every due pending task the limiter allows, pausing
// PaceDelay between dispatches.
func (s *Service) SweepPending(ctx context.Context) error {
	due, err := s.store.ListTasks(ctx, storage.TaskFilter{
		Statuses: []domain.Status{domain.StatusPending},
		DueAt:    s.now(),
	})
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	dispatched, deferred := 0, 0
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.admit(ctx, t)
		if err != nil {
			s.log.Warn("sweep: admit failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		if !ok {
			deferred++
			continue
		}
		if dispatched > 0 && s.cfg.PaceDelay > 0 {
			if err := sleepCtx(ctx, s.cfg.PaceDelay); err != nil {
				return err
			}
		}
		if s.dispatch(ctx, t.ID, true) {
			dispatched++
		}
	}
	s.log.Debug("pending sweep done",
		logx.Int("due", len(due)),
		logx.Int("dispatched", dispatched),
		logx.Int("deferred", deferred),
	)
	return nil
}

// SweepRetries re-admits failed tasks whose backoff has elapsed. Tasks at the
// retry cap are never selected.
func (s *Service) SweepRetries(ctx context.Context) error {
	maxRetries := s.backoff.Policy().MaxRetries
	if maxRetries <= 0 {
		return nil
	}
	failed, err := s.store.ListTasks(ctx, storage.TaskFilter{
		Statuses:   []domain.Status{domain.StatusFailed},
		RetryBelow: maxRetries,
	})
	if err != nil {
		return fmt.Errorf("list failed tasks: %w", err)
	}

	now := s.now()
	admitted := 0
	for _, t := range failed {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, _ := s.backoff.Eligible(t, now)
		if !ok {
			continue
		}
		out, err := s.store.UpdateTask(ctx, t.ID, domain.StatusFailed, func(x *domain.Task) {
			x.Status = domain.StatusPending
			x.UpdatedAt = now
		})
		if err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				s.log.Warn("retry re-admit failed", logx.String("task", t.ID), logx.Err(err))
			}
			continue
		}
		admitted++
		s.metrics.TaskTransition(string(domain.StatusPending))
		s.emit(eventbus.TypeTaskUpdate, map[string]any{
			"task_id":     out.ID,
			"status":      string(domain.StatusPending),
			"retry_count": out.RetryCount,
			"message":     fmt.Sprintf("retry %d/%d", out.RetryCount, maxRetries),
		})
		s.arm(out)
	}
	if admitted > 0 {
		s.metrics.RetriesReadmitted(admitted)
		s.log.Info("retries re-admitted", logx.Int("tasks", admitted))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
