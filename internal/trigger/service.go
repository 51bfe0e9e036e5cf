// Package trigger fires callbacks at a point in time (one per task key) and
// runs periodic sweep jobs.
//
// Trigger-only: callbacks must return quickly and hand real work to the engine.
package trigger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "zhihupub/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name used for periodic jobs; empty means local.
	Timezone string
	// MaxStartupSpread bounds the random delay added to the first run of a periodic job.
	MaxStartupSpread time.Duration
}

// Registration describes a pending one-shot trigger.
type Registration struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Armed bool      `json:"armed"`
}

// JobInfo describes a periodic job.
type JobInfo struct {
	Name          string        `json:"name"`
	Every         time.Duration `json:"every"`
	StartupSpread time.Duration `json:"startup_spread"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
}

type onceDef struct {
	at  time.Time
	fn  func()
	ver uint64
}

type periodicDef struct {
	name    string
	every   time.Duration
	fn      func(ctx context.Context)
	spread  time.Duration
	entryID cron.EntryID
}

type Service struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   []*periodicDef

	// one-shot: defs survive Stop; timers are runtime only.
	tmu     sync.Mutex
	running bool
	timers  map[string]*time.Timer
	once    map[string]*onceDef
	seq     uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxStartupSpread <= 0 {
		cfg.MaxStartupSpread = maxStartupSpread
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		timers: map[string]*time.Timer{},
		once:   map[string]*onceDef{},
	}
}

// At registers fn to run once at the given time under key. Registering the
// same key again replaces the previous registration. Past times fire as soon
// as the service is running.
func (s *Service) At(key string, at time.Time, fn func()) error {
	if key == "" {
		return errors.New("key required")
	}
	if fn == nil {
		return errors.New("callback required")
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	// bump version so callbacks from replaced timers are ignored
	s.seq++
	d := &onceDef{at: at, fn: fn, ver: s.seq}
	s.once[key] = d
	if s.running {
		s.armLocked(key, d)
	}
	return nil
}

// Cancel removes a pending registration. It reports whether one existed.
func (s *Service) Cancel(key string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.once[key]
	if t, tok := s.timers[key]; tok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	delete(s.once, key)
	return ok
}

func (s *Service) armLocked(key string, d *onceDef) {
	delay := d.at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	ver := d.ver
	s.timers[key] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[key]
		if !ok || cur.ver != ver || !s.running {
			s.tmu.Unlock()
			return
		}
		// drop the definition before running so a restart can't double-fire
		delete(s.once, key)
		delete(s.timers, key)
		s.tmu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("trigger callback panic", logx.String("key", key), logx.Any("panic", r))
			}
		}()
		cur.fn()
	})
}

// Every registers a periodic job. Jobs registered after Start are scheduled immediately.
func (s *Service) Every(name string, every time.Duration, fn func(ctx context.Context)) error {
	if name == "" {
		return errors.New("name required")
	}
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	if fn == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return errors.New("duplicate job name: " + name)
		}
	}
	d := &periodicDef{name: name, every: every, fn: fn}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addJobLocked(d)
	}
	return nil
}

func (s *Service) addJobLocked(d *periodicDef) {
	sched, spread := makeIntervalScheduleWithSpread(d.every, s.now(), d.name, s.cfg.MaxStartupSpread)
	d.spread = spread
	ctx := s.ctx
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		start := time.Now()
		d.fn(ctx)
		s.log.Debug("periodic job finished", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
	}))
	s.log.Debug("periodic job registered",
		logx.String("job", d.name),
		logx.Duration("every", d.every),
		logx.Duration("startup_spread", spread),
	)
}

// Start arms one-shot timers and starts periodic jobs.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	loc := s.loadLocation()
	clog := cronLogger{log: s.log}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	for _, d := range s.defs {
		s.addJobLocked(d)
	}
	s.c.Start()
	jobs := len(s.defs)
	s.mu.Unlock()

	s.tmu.Lock()
	s.running = true
	for key, d := range s.once {
		s.armLocked(key, d)
	}
	armed := len(s.timers)
	s.tmu.Unlock()

	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", jobs), logx.Int("timers", armed))
}

// Stop halts periodic jobs and disarms timers. One-shot registrations are
// kept and re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	s.tmu.Lock()
	s.running = false
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Pending returns one-shot registrations ordered by fire time.
func (s *Service) Pending() []Registration {
	s.tmu.Lock()
	out := make([]Registration, 0, len(s.once))
	for key, d := range s.once {
		_, armed := s.timers[key]
		out = append(out, Registration{Key: key, At: d.at, Armed: armed})
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Key < out[j].Key
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Jobs returns periodic job info.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		ji := JobInfo{Name: d.name, Every: d.every, StartupSpread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ji.Next, ji.Prev = e.Next, e.Prev
		}
		out = append(out, ji)
	}
	return out
}

func (s *Service) loadLocation() *time.Location {
	if s.cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's logger to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
