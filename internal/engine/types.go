package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution pool.
//
// The scheduler decides what runs and when; the engine only bounds how many
// executions are in flight and how many may wait.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is applied when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Job is a unit of work executed by the engine.
//
// Key gates overlap: while a job with the same non-empty Key is queued or
// running, another one is rejected with ErrOverlapSkip.
type Job struct {
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	Key        string        `json:"key,omitempty"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Keys     int           `json:"keys"`
	Done     uint64        `json:"done"`
	Failed   uint64        `json:"failed"`
	Panics   uint64        `json:"panics"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history"`
}

// Hooks observe job outcomes. Any field may be nil.
type Hooks struct {
	OnStart   func(j Job, queueDelay time.Duration)
	OnFinish  func(j Job, dur time.Duration, err error)
	OnDropped func(j Job, reason error)
}

// keySet tracks keys that are queued or running.
type keySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (k *keySet) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = map[string]struct{}{}
	}
	if _, busy := k.keys[key]; busy {
		return false
	}
	k.keys[key] = struct{}{}
	return true
}

func (k *keySet) release(key string) {
	if key == "" {
		return
	}
	k.mu.Lock()
	delete(k.keys, key)
	k.mu.Unlock()
}

func (k *keySet) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
