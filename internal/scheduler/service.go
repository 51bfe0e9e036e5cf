// Package scheduler owns the publish task state machine.
//
// Tasks reach execution two ways: a per-task trigger registered when the
// task is created, and a periodic sweep of due tasks. Both may fire for the
// same task; the pending->running compare-and-set in the store makes sure
// only one execution wins.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"zhihupub/internal/engine"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/metrics"
	"zhihupub/internal/publisher"
	"zhihupub/internal/ratelimit"
	"zhihupub/internal/retry"
	"zhihupub/internal/storage"
	"zhihupub/internal/trigger"
	logx "zhihupub/pkg/logx"
)

type Config struct {
	PendingSweepEvery time.Duration
	RetrySweepEvery   time.Duration
	// PaceDelay separates dispatches within one pending sweep.
	PaceDelay time.Duration
	// ScheduleJitter is the symmetric offset for scheduled and batch times.
	ScheduleJitter time.Duration

	BatchIntervalDefault time.Duration
	BatchIntervalMin     time.Duration
	BatchIntervalMax     time.Duration

	// ExecuteTimeout bounds one publisher call. 0 leaves it to the publisher.
	ExecuteTimeout time.Duration
	// FireTimeout bounds the bookkeeping done when a trigger fires.
	FireTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PendingSweepEvery:    2 * time.Minute,
		RetrySweepEvery:      5 * time.Minute,
		PaceDelay:            2 * time.Second,
		ScheduleJitter:       retry.DefaultScheduleJitter,
		BatchIntervalDefault: 10 * time.Minute,
		BatchIntervalMin:     5 * time.Minute,
		BatchIntervalMax:     24 * time.Hour,
		FireTimeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PendingSweepEvery <= 0 {
		c.PendingSweepEvery = d.PendingSweepEvery
	}
	if c.RetrySweepEvery <= 0 {
		c.RetrySweepEvery = d.RetrySweepEvery
	}
	if c.PaceDelay < 0 {
		c.PaceDelay = 0
	}
	if c.ScheduleJitter < 0 {
		c.ScheduleJitter = 0
	}
	if c.BatchIntervalDefault <= 0 {
		c.BatchIntervalDefault = d.BatchIntervalDefault
	}
	if c.BatchIntervalMin <= 0 {
		c.BatchIntervalMin = d.BatchIntervalMin
	}
	if c.BatchIntervalMax <= 0 {
		c.BatchIntervalMax = d.BatchIntervalMax
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = d.FireTimeout
	}
	return c
}

// Deps are the collaborators. Store, Publisher, Limiter, Backoff, Bus,
// Engine and Triggers are required.
type Deps struct {
	Store     storage.Store
	Publisher publisher.Publisher
	Limiter   *ratelimit.Limiter
	Backoff   *retry.Backoff
	Bus       *eventbus.Bus
	Engine    *engine.Service
	Triggers  *trigger.Service
	Metrics   metrics.SchedulerMetrics
	Log       logx.Logger
	Now       func() time.Time
}

type Service struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	store    storage.Store
	pub      publisher.Publisher
	limiter  *ratelimit.Limiter
	backoff  *retry.Backoff
	bus      *eventbus.Bus
	engine   *engine.Service
	triggers *trigger.Service
	metrics  metrics.SchedulerMetrics

	// acctLocks serializes the limiter check and the pending->running
	// transition per account, so two due tasks can't both pass spacing.
	acctLocks sync.Map // account id -> *sync.Mutex

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

func New(cfg Config, d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("scheduler: store is required")
	case d.Publisher == nil:
		return nil, errors.New("scheduler: publisher is required")
	case d.Limiter == nil:
		return nil, errors.New("scheduler: limiter is required")
	case d.Bus == nil:
		return nil, errors.New("scheduler: event bus is required")
	case d.Engine == nil:
		return nil, errors.New("scheduler: engine is required")
	case d.Triggers == nil:
		return nil, errors.New("scheduler: trigger service is required")
	}
	if d.Backoff == nil {
		d.Backoff = retry.New(retry.DefaultPolicy(), nil)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      d.Log,
		now:      d.Now,
		store:    d.Store,
		pub:      d.Publisher,
		limiter:  d.Limiter,
		backoff:  d.Backoff,
		bus:      d.Bus,
		engine:   d.Engine,
		triggers: d.Triggers,
		metrics:  d.Metrics,
		baseCtx:  context.Background(),
	}, nil
}

// Start starts the engine and triggers, registers the sweeps, and re-arms a
// trigger for every pending task in the store.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.mu.Unlock()

	s.engine.Start(s.baseCtx)

	if err := s.triggers.Every("sweep.pending", s.cfg.PendingSweepEvery, func(ctx context.Context) {
		if err := s.SweepPending(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("pending sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if err := s.triggers.Every("sweep.retry", s.cfg.RetrySweepEvery, func(ctx context.Context) {
		if err := s.SweepRetries(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("retry sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	restored, err := s.restoreTriggers(ctx)
	if err != nil {
		s.log.Warn("restore triggers failed; sweeps will still pick tasks up", logx.Err(err))
	}
	s.triggers.Start(s.baseCtx)

	s.log.Info("scheduler started",
		logx.Int("restored", restored),
		logx.Duration("pending_sweep", s.cfg.PendingSweepEvery),
		logx.Duration("retry_sweep", s.cfg.RetrySweepEvery),
	)
	return nil
}

// Shutdown stops triggers first so nothing new is dispatched, then the engine.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.triggers.Stop(ctx)
	s.engine.Stop(ctx)
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Service) accountLock(id string) *sync.Mutex {
	v, _ := s.acctLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
