package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/engine"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/publisher"
	"zhihupub/internal/ratelimit"
	"zhihupub/internal/storage"
	logx "zhihupub/pkg/logx"
)

// Execute runs one publish attempt for a pending task.
//
// A task that is not pending (or whose pending->running transition is lost to
// another caller) is left alone and returned as-is. Publisher failures are
// recorded on the task and never returned; the error is reserved for storage
// problems.
func (s *Service) Execute(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusPending {
		s.log.Warn("execute skipped: task not pending", logx.String("task", taskID), logx.String("status", string(t.Status)))
		return t, nil
	}

	art, acct, resolveErr := s.resolve(ctx, t)

	lock := s.accountLock(t.AccountID)
	lock.Lock()
	if resolveErr == nil {
		dec, err := s.limiter.Check(ctx, acct, s.now())
		if err != nil {
			lock.Unlock()
			return t, err
		}
		if !dec.Allowed {
			lock.Unlock()
			return s.deferTask(ctx, t, dec)
		}
	}
	started := s.now()
	running, err := s.store.UpdateTask(ctx, taskID, domain.StatusPending, func(x *domain.Task) {
		x.Status = domain.StatusRunning
		x.UpdatedAt = started
	})
	lock.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.log.Warn("execute skipped: lost pending->running race", logx.String("task", taskID), logx.Err(err))
			cur, gerr := s.store.GetTask(ctx, taskID)
			if gerr != nil {
				return t, nil
			}
			return cur, nil
		}
		return t, err
	}
	s.metrics.TaskTransition(string(domain.StatusRunning))
	s.emit(eventbus.TypeTaskUpdate, map[string]any{
		"task_id":    running.ID,
		"status":     string(domain.StatusRunning),
		"article_id": running.ArticleID,
		"account_id": running.AccountID,
	})

	// Bookkeeping after this point must land even if ctx ends mid-publish.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FireTimeout)
	defer cancel()

	attempt := domain.Attempt{
		ID:        domain.NewID(),
		TaskID:    running.ID,
		ArticleID: running.ArticleID,
		AccountID: running.AccountID,
		Outcome:   domain.OutcomeRunning,
		StartedAt: started,
	}
	if err := s.store.AppendAttempt(bctx, attempt); err != nil {
		s.log.Error("append attempt failed", logx.String("task", taskID), logx.Err(err))
		return s.fail(bctx, running, "", started, fmt.Errorf("record attempt: %w", err), "")
	}

	if resolveErr != nil {
		return s.fail(bctx, running, attempt.ID, started, resolveErr, "")
	}

	// The publisher runs detached from ctx: once a post may have reached the
	// platform, shutdown must not turn it into a counted failure.
	res, perr := s.callPublisher(context.WithoutCancel(ctx), publisher.Request{
		TaskID:        running.ID,
		AccountHandle: acct.Handle(),
		Title:         art.Title,
		Body:          art.Body,
		Tags:          art.Tags,
	})
	if perr != nil {
		return s.fail(bctx, running, attempt.ID, started, domain.PublishError{Message: "publisher error", Cause: perr}, res.ScreenshotPath)
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "publisher reported failure"
		}
		return s.fail(bctx, running, attempt.ID, started, domain.PublishError{Message: msg}, res.ScreenshotPath)
	}
	return s.succeed(bctx, running, attempt.ID, started, res)
}

// resolve loads what the publisher needs. Any error fails the task without a
// publisher call.
func (s *Service) resolve(ctx context.Context, t domain.Task) (domain.Article, domain.Account, error) {
	art, err := s.store.GetArticle(ctx, t.ArticleID)
	if err != nil {
		return domain.Article{}, domain.Account{}, err
	}
	acct, err := s.store.GetAccount(ctx, t.AccountID)
	if err != nil {
		return art, domain.Account{}, err
	}
	if err := acct.CheckUsable(); err != nil {
		return art, acct, err
	}
	return art, acct, nil
}

func (s *Service) callPublisher(ctx context.Context, req publisher.Request) (res publisher.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publisher panic",
				logx.String("task", req.TaskID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			res = publisher.Result{}
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	if s.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
		defer cancel()
	}
	return s.pub.Publish(ctx, req)
}

func (s *Service) succeed(ctx context.Context, t domain.Task, attemptID string, started time.Time, res publisher.Result) (domain.Task, error) {
	done := s.now()
	out, err := s.store.UpdateTask(ctx, t.ID, domain.StatusRunning, func(x *domain.Task) {
		x.Status = domain.StatusSuccess
		x.UpdatedAt = done
	})
	if err != nil {
		return t, fmt.Errorf("mark task %s success: %w", t.ID, err)
	}
	if _, err := s.store.FinishAttempt(ctx, attemptID, domain.AttemptResult{
		Outcome:        domain.OutcomeSuccess,
		ArtifactURL:    res.ArtifactURL,
		ScreenshotPath: res.ScreenshotPath,
		Message:        res.Message,
		FinishedAt:     done,
	}); err != nil {
		s.log.Warn("finish attempt failed", logx.String("task", t.ID), logx.String("attempt", attemptID), logx.Err(err))
	}
	if err := s.store.MarkArticlePublished(ctx, t.ArticleID, done); err != nil {
		s.log.Warn("mark article published failed", logx.String("article", t.ArticleID), logx.Err(err))
	}

	s.metrics.TaskTransition(string(domain.StatusSuccess))
	s.metrics.PublishLatency(string(domain.OutcomeSuccess), done.Sub(started))
	s.emit(eventbus.TypeTaskUpdate, map[string]any{
		"task_id":     out.ID,
		"status":      string(domain.StatusSuccess),
		"article_id":  out.ArticleID,
		"account_id":  out.AccountID,
		"article_url": res.ArtifactURL,
	})
	s.log.Info("task published",
		logx.String("task", out.ID),
		logx.String("account", out.AccountID),
		logx.String("url", res.ArtifactURL),
		logx.Duration("took", done.Sub(started)),
	)
	return out, nil
}

// fail moves a running task to failed. Every failure counts toward the retry
// cap, including ones that never reached the publisher. screenshot is the
// publisher's diagnostic capture, if any.
func (s *Service) fail(ctx context.Context, t domain.Task, attemptID string, started time.Time, cause error, screenshot string) (domain.Task, error) {
	done := s.now()
	msg := cause.Error()
	out, err := s.store.UpdateTask(ctx, t.ID, domain.StatusRunning, func(x *domain.Task) {
		x.Status = domain.StatusFailed
		x.RetryCount++
		x.ErrorMessage = msg
		x.UpdatedAt = done
	})
	if err != nil {
		return t, fmt.Errorf("mark task %s failed: %w", t.ID, err)
	}
	if attemptID != "" {
		if _, err := s.store.FinishAttempt(ctx, attemptID, domain.AttemptResult{
			Outcome:        domain.OutcomeFailed,
			ScreenshotPath: screenshot,
			Message:        msg,
			FinishedAt:     done,
		}); err != nil {
			s.log.Warn("finish attempt failed", logx.String("task", t.ID), logx.String("attempt", attemptID), logx.Err(err))
		}
	}

	s.metrics.TaskTransition(string(domain.StatusFailed))
	s.metrics.PublishLatency(string(domain.OutcomeFailed), done.Sub(started))
	s.emit(eventbus.TypeTaskUpdate, map[string]any{
		"task_id":     out.ID,
		"status":      string(domain.StatusFailed),
		"article_id":  out.ArticleID,
		"account_id":  out.AccountID,
		"error":       msg,
		"retry_count": out.RetryCount,
	})
	s.log.Warn("task failed",
		logx.String("task", out.ID),
		logx.String("account", out.AccountID),
		logx.Int("retry_count", out.RetryCount),
		logx.Err(cause),
	)
	return out, nil
}

// Fire is the trigger callback for a task.
func (s *Service) Fire(taskID string) {
	ctx, cancel := context.WithTimeout(s.ctx(), s.cfg.FireTimeout)
	defer cancel()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("fire: load task failed", logx.String("task", taskID), logx.Err(err))
		}
		return
	}
	if t.Status != domain.StatusPending {
		s.log.Debug("fire: task not pending", logx.String("task", taskID), logx.String("status", string(t.Status)))
		return
	}
	if !t.Due(s.now()) {
		s.arm(t)
		return
	}
	ok, err := s.admit(ctx, t)
	if err != nil {
		s.log.Warn("fire: admit failed; sweep will retry", logx.String("task", taskID), logx.Err(err))
		return
	}
	if ok {
		s.dispatch(ctx, t.ID, false)
	}
}

// admit runs the fire-time limiter check and defers the task when denied.
// Tasks whose account cannot publish are admitted so Execute records the failure.
func (s *Service) admit(ctx context.Context, t domain.Task) (bool, error) {
	acct, err := s.store.GetAccount(ctx, t.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if acct.CheckUsable() != nil {
		return true, nil
	}
	dec, err := s.limiter.Check(ctx, acct, s.now())
	if err != nil {
		return false, err
	}
	if dec.Allowed {
		return true, nil
	}
	if _, err := s.deferTask(ctx, t, dec); err != nil {
		return false, err
	}
	return false, nil
}

// deferTask pushes a pending task to when the denying gate opens.
func (s *Service) deferTask(ctx context.Context, t domain.Task, dec ratelimit.Decision) (domain.Task, error) {
	now := s.now()
	at := dec.RetryAt
	if !at.After(now) {
		at = now.Add(s.cfg.PendingSweepEvery)
	}
	out, err := s.store.UpdateTask(ctx, t.ID, domain.StatusPending, func(x *domain.Task) {
		x.ScheduledAt = &at
		x.UpdatedAt = now
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return t, nil
		}
		return t, err
	}
	s.arm(out)
	s.metrics.LimiterDenied(string(dec.Gate))
	s.metrics.TaskDeferred()
	s.emit(eventbus.TypeTaskUpdate, map[string]any{
		"task_id":      out.ID,
		"status":       string(domain.StatusPending),
		"deferred":     true,
		"gate":         string(dec.Gate),
		"reason":       dec.Reason,
		"scheduled_at": at.Format(time.RFC3339),
	})
	s.log.Info("task deferred",
		logx.String("task", out.ID),
		logx.String("gate", string(dec.Gate)),
		logx.String("reason", dec.Reason),
		logx.Time("until", at),
	)
	return out, nil
}

// dispatch hands Execute to the engine. With block=false a full queue drops
// the dispatch and the task stays pending for the next sweep.
func (s *Service) dispatch(ctx context.Context, taskID string, block bool) bool {
	job := engine.Job{
		Key:  taskID,
		Name: "publish",
		Run: func(ctx context.Context) error {
			_, err := s.Execute(ctx, taskID)
			return err
		},
	}
	var err error
	if block {
		err = s.engine.Submit(ctx, job)
	} else {
		err = s.engine.Enqueue(job)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("dispatch skipped: already queued", logx.String("task", taskID))
	case errors.Is(err, engine.ErrQueueFull):
		s.metrics.DispatchDropped("queue_full")
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		s.metrics.DispatchDropped("stopped")
		s.log.Debug("dispatch skipped: engine not running", logx.String("task", taskID))
	default:
		s.log.Warn("dispatch failed", logx.String("task", taskID), logx.Err(err))
	}
	return false
}
