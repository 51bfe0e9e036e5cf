// Package pilot generates drafts on a timer for configured content
// directions and can queue them for publishing.
//
// Each run walks the enabled directions, picks topics that were not used
// before, stores one draft per topic and, for auto-publish directions,
// schedules the new drafts as a batch.
package pilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/generator"
	"zhihupub/internal/ratelimit"
	logx "zhihupub/pkg/logx"
)

const (
	DefaultEvery           = 30 * time.Minute
	DefaultBatchSize       = 6
	DefaultDailyCount      = 3
	DefaultPublishInterval = 30 * time.Minute
)

// Direction is one content line the pilot writes for.
type Direction struct {
	Name string
	// Topics are used in order, each at most once. Without topics the
	// keywords (or the name) become the topics.
	Topics   []string
	Keywords []string
	Style    string
	MinWords int
	MaxWords int
	// DailyCount caps drafts per local day.
	DailyCount int

	AutoPublish bool
	// AccountID publishes auto-queued drafts; empty picks the first usable account.
	AccountID       string
	PublishInterval time.Duration
}

type Config struct {
	Enabled bool
	Every   time.Duration
	// BatchSize caps drafts per direction per run.
	BatchSize  int
	Directions []Direction
}

func (c Config) withDefaults() Config {
	if c.Every <= 0 {
		c.Every = DefaultEvery
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	dirs := make([]Direction, len(c.Directions))
	for i, d := range c.Directions {
		if d.DailyCount <= 0 {
			d.DailyCount = DefaultDailyCount
		}
		if d.PublishInterval <= 0 {
			d.PublishInterval = DefaultPublishInterval
		}
		dirs[i] = d
	}
	c.Directions = dirs
	return c
}

type Drafts interface {
	Create(ctx context.Context, p generator.Prompt) (domain.Article, error)
}

// Queue schedules drafts for publishing. The task scheduler implements it.
type Queue interface {
	ScheduleBatch(ctx context.Context, articleIDs []string, accountID string, interval time.Duration) ([]domain.Task, error)
}

type Accounts interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}

// Window exposes the live rate-limit policy. *ratelimit.Limiter implements it.
type Window interface {
	Policy() ratelimit.Policy
}

// Deps: Drafts and Window are required; Queue and Accounts only for
// auto-publish directions.
type Deps struct {
	Drafts   Drafts
	Queue    Queue
	Accounts Accounts
	Window   Window
	Bus      *eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// Result summarizes one direction's run.
type Result struct {
	Direction string   `json:"direction"`
	Generated int      `json:"articles_generated"`
	Queued    int      `json:"articles_queued"`
	Articles  []string `json:"articles,omitempty"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type Stats struct {
	Enabled    bool      `json:"enabled"`
	Directions int       `json:"directions"`
	Runs       uint64    `json:"runs"`
	Skipped    uint64    `json:"skipped"`
	Generated  uint64    `json:"generated"`
	LastRun    time.Time `json:"last_run,omitempty"`
}

type dirState struct {
	day   time.Time
	today int
	used  map[string]struct{} // topic hashes
}

type Service struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	drafts   Drafts
	queue    Queue
	accounts Accounts
	window   Window
	bus      *eventbus.Bus

	run sync.Mutex // one run at a time

	mu    sync.Mutex
	state map[string]*dirState
	stats Stats
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Drafts == nil {
		return nil, errors.New("pilot: drafts are required")
	}
	if d.Window == nil {
		return nil, errors.New("pilot: window is required")
	}
	cfg = cfg.withDefaults()
	seen := map[string]bool{}
	for _, dir := range cfg.Directions {
		name := strings.TrimSpace(dir.Name)
		if name == "" {
			return nil, errors.New("pilot: direction name is required")
		}
		if seen[name] {
			return nil, fmt.Errorf("pilot: duplicate direction %q", name)
		}
		seen[name] = true
		if dir.AutoPublish && d.Queue == nil {
			return nil, fmt.Errorf("pilot: direction %q auto-publishes but no queue is set", name)
		}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		cfg:      cfg,
		log:      d.Log,
		now:      d.Now,
		drafts:   d.Drafts,
		queue:    d.Queue,
		accounts: d.Accounts,
		window:   d.Window,
		bus:      d.Bus,
		state:    make(map[string]*dirState),
		stats:    Stats{Enabled: cfg.Enabled, Directions: len(cfg.Directions)},
	}, nil
}

func (s *Service) Every() time.Duration { return s.cfg.Every }

// Tick is the periodic entry point: it only runs inside the active window.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	if !s.window.Policy().InWindow(now) {
		s.log.Debug("pilot skipped: outside active window", logx.Time("now", now))
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return
	}
	results := s.RunOnce(ctx)
	total := 0
	for _, r := range results {
		total += r.Generated
	}
	if total > 0 {
		s.log.Info("pilot run finished", logx.Int("generated", total), logx.Int("directions", len(results)))
	}
}

// RunOnce runs every direction once, regardless of the active window.
func (s *Service) RunOnce(ctx context.Context) []Result {
	s.run.Lock()
	defer s.run.Unlock()

	out := make([]Result, 0, len(s.cfg.Directions))
	for _, dir := range s.cfg.Directions {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.runDirection(ctx, dir))
	}

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = s.now()
	for _, r := range out {
		s.stats.Generated += uint64(r.Generated)
	}
	s.mu.Unlock()
	return out
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) runDirection(ctx context.Context, dir Direction) Result {
	res := Result{Direction: dir.Name}
	now := s.now()
	day := s.window.Policy().DayStart(now)

	s.mu.Lock()
	st := s.state[dir.Name]
	if st == nil {
		st = &dirState{used: make(map[string]struct{})}
		s.state[dir.Name] = st
	}
	if !st.day.Equal(day) {
		st.day, st.today = day, 0
	}
	remaining := dir.DailyCount - st.today
	topics := freshTopics(dir, st.used, min(remaining, s.cfg.BatchSize))
	s.mu.Unlock()

	if remaining <= 0 {
		res.Message = "daily count reached"
		return res
	}
	if len(topics) == 0 {
		res.Message = "no unused topics"
		s.log.Warn("pilot direction has no unused topics", logx.String("direction", dir.Name))
		return res
	}

	for _, topic := range topics {
		art, err := s.drafts.Create(ctx, generator.Prompt{
			Topic:    topic,
			Style:    dir.Style,
			MinWords: dir.MinWords,
			MaxWords: dir.MaxWords,
		})
		if err != nil {
			s.log.Warn("pilot draft failed", logx.String("direction", dir.Name), logx.String("topic", topic), logx.Err(err))
			res.Error = err.Error()
			if ctx.Err() != nil {
				break
			}
			continue
		}
		s.mu.Lock()
		st.used[topicHash(topic)] = struct{}{}
		st.today++
		s.mu.Unlock()
		res.Generated++
		res.Articles = append(res.Articles, art.ID)
	}

	if dir.AutoPublish && len(res.Articles) > 0 {
		n, err := s.queueDrafts(ctx, dir, res.Articles)
		if err != nil {
			s.log.Warn("pilot auto-publish failed", logx.String("direction", dir.Name), logx.Err(err))
			res.Error = err.Error()
		}
		res.Queued = n
	}

	if s.bus != nil && res.Generated > 0 {
		s.bus.Publish(eventbus.TypePilotBatch, map[string]any{
			"direction":          res.Direction,
			"articles_generated": res.Generated,
			"articles_queued":    res.Queued,
			"articles":           res.Articles,
		})
	}
	s.log.Info("pilot direction done",
		logx.String("direction", dir.Name),
		logx.Int("generated", res.Generated),
		logx.Int("queued", res.Queued),
	)
	return res
}

func (s *Service) queueDrafts(ctx context.Context, dir Direction, ids []string) (int, error) {
	acctID := dir.AccountID
	if acctID == "" {
		var err error
		if acctID, err = s.pickAccount(ctx); err != nil {
			return 0, err
		}
	}
	tasks, err := s.queue.ScheduleBatch(ctx, ids, acctID, dir.PublishInterval)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// pickAccount returns the first account that can publish.
func (s *Service) pickAccount(ctx context.Context) (string, error) {
	if s.accounts == nil {
		return "", errors.New("no account configured")
	}
	accts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accts {
		if a.CheckUsable() == nil {
			return a.ID, nil
		}
	}
	return "", errors.New("no usable account")
}
