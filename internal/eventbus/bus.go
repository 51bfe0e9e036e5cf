package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeTaskCreated   = "task_created"
	TypeTaskUpdate    = "task_update"
	TypeTaskCancelled = "task_cancelled"
	TypeConnected     = "connected"
	TypeHeartbeat     = "heartbeat"
	TypePilotBatch    = "pilot_batch_done"
)

const (
	DefaultCapacity          = 256
	DefaultHeartbeatInterval = 15 * time.Second
)

// ErrClosed is returned by Recv once the subscription is closed or dropped.
var ErrClosed = errors.New("eventbus: subscription closed")

// Event is a lightweight, in-memory task signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Each subscriber has a bounded queue; a subscriber whose queue is full
//     is removed, not waited for.
//   - Order is FIFO per subscriber; there is no order across subscribers.
//
// Payload must be JSON-serializable. Keys "type" and "timestamp" are reserved.
type Event struct {
	Type    string
	Time    time.Time
	Payload map[string]any
}

// MarshalJSON flattens the payload next to type and timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		m[k] = v
	}
	m["type"] = e.Type
	m["timestamp"] = e.Time.Format(time.RFC3339Nano)
	return json.Marshal(m)
}

type Config struct {
	Capacity          int
	HeartbeatInterval time.Duration
	// OnDrop is called (under the bus lock, keep it cheap) when a slow
	// subscriber is removed.
	OnDrop func(subID uint64)
}

// Bus is an in-memory fanout bus.
//
// It does not own any background goroutines.
type Bus struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Bus{cfg: cfg, now: time.Now, subs: map[uint64]*Subscription{}}
}

// Subscription is one consumer's bounded queue.
type Subscription struct {
	id        uint64
	bus       *Bus
	ch        chan Event
	heartbeat time.Duration
	once      sync.Once
	dropped   atomic.Bool
}

func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		id:        b.seq.Add(1),
		bus:       b,
		ch:        make(chan Event, b.cfg.Capacity),
		heartbeat: b.cfg.HeartbeatInterval,
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers to every subscriber without blocking. A subscriber whose
// queue is full is removed and its channel closed.
func (b *Bus) Publish(typ string, payload map[string]any) {
	e := Event{Type: typ, Time: b.now(), Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published.Add(1)
	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			delete(b.subs, id)
			s.dropped.Store(true)
			s.once.Do(func() { close(s.ch) })
			b.dropped.Add(1)
			if b.cfg.OnDrop != nil {
				b.cfg.OnDrop(id)
			}
		}
	}
}

// Unsubscribe is idempotent and safe for already-dropped subscribers.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
	b.mu.Unlock()
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

func (b *Bus) Stats() Stats {
	return Stats{Subscribers: b.Len(), Published: b.published.Load(), Dropped: b.dropped.Load()}
}

func (s *Subscription) ID() uint64 { return s.id }

// C is closed when the subscription is closed or dropped.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped reports whether the bus removed this subscriber for being slow.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

// Recv waits for the next event. After HeartbeatInterval with nothing to
// deliver it returns a heartbeat event instead.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	t := time.NewTimer(s.heartbeat)
	defer t.Stop()
	select {
	case e, ok := <-s.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return e, nil
	case <-t.C:
		return Event{Type: TypeHeartbeat, Time: s.bus.now()}, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Consume calls fn for every event until ctx ends. A subscription dropped for
// being slow is replaced, so fn may miss events but never stops receiving.
// Heartbeats are not passed to fn.
func (b *Bus) Consume(ctx context.Context, fn func(Event)) error {
	for {
		s := b.Subscribe()
		err := s.drain(ctx, fn)
		s.Close()
		if !errors.Is(err, ErrClosed) || !s.Dropped() {
			return err
		}
	}
}

func (s *Subscription) drain(ctx context.Context, fn func(Event)) error {
	for {
		e, err := s.Recv(ctx)
		if err != nil {
			return err
		}
		if e.Type == TypeHeartbeat {
			continue
		}
		fn(e)
	}
}
