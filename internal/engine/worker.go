package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "zhihupub/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued) {
	for {
		// a closed stopCh wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queued) {
	defer s.keys.release(qj.job.Key)

	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(qj.job, queueDelay)
	}
	s.log.Debug("job.started", logx.String("job", qj.job.Name), logx.String("key", qj.job.Key), logx.Duration("queue_delay", queueDelay))

	runCtx := ctx
	var cancel context.CancelFunc
	if qj.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
	}
	var err error
	// a panicking job must not take the worker down with it
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job.panic", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qj.job.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{Key: qj.job.Key, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		s.log.Warn("job.failed", logx.String("job", qj.job.Name), logx.String("key", qj.job.Key), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.done.Add(1)
		s.log.Debug("job.completed", logx.String("job", qj.job.Name), logx.String("key", qj.job.Key), logx.Duration("dur", dur))
	}
	s.record(item)
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(qj.job, dur, err)
	}
}
