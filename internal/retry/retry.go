// Package retry computes failure backoff for publish tasks and the
// anti-regularity jitter applied to scheduled publications.
package retry

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"zhihupub/internal/domain"
)

const (
	DefaultBaseDelay  = 60 * time.Second
	DefaultMaxDelay   = 30 * time.Minute
	DefaultJitterMax  = 30 * time.Second
	DefaultMaxRetries = 3

	// DefaultScheduleJitter is the symmetric offset applied to scheduled and batch times.
	DefaultScheduleJitter = 5 * time.Minute
)

type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	JitterMax  time.Duration
	MaxRetries int
}

// DefaultPolicy returns 60s base, 30m cap, 30s jitter, 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		JitterMax:  DefaultJitterMax,
		MaxRetries: DefaultMaxRetries,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterMax < 0 {
		p.JitterMax = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// Rand is a goroutine-safe random source. The zero value seeds itself lazily.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a source with a fixed seed (useful in tests).
func NewRand(seed int64) *Rand {
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

// Int63n returns a value in [0, n). n <= 0 yields 0.
func (r *Rand) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return r.rng.Int63n(n)
}

// Backoff holds a policy and its random source.
type Backoff struct {
	policy Policy
	rng    *Rand

	// maxRetries shadows policy.MaxRetries so it can change at runtime.
	maxRetries atomic.Int64
}

func New(p Policy, rng *Rand) *Backoff {
	if rng == nil {
		rng = &Rand{}
	}
	b := &Backoff{policy: p.withDefaults(), rng: rng}
	b.maxRetries.Store(int64(b.policy.MaxRetries))
	return b
}

func (b *Backoff) Policy() Policy {
	p := b.policy
	p.MaxRetries = int(b.maxRetries.Load())
	return p
}

// SetMaxRetries changes the retry cap for later Eligible calls.
func (b *Backoff) SetMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	b.maxRetries.Store(int64(n))
}

// Delay returns min(base*2^retryCount, max) without jitter.
// The exponent saturates instead of overflowing.
func (b *Backoff) Delay(retryCount int) time.Duration {
	p := b.policy
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NextRetryAt returns lastFailure + Delay(retryCount) + U[0, JitterMax].
func (b *Backoff) NextRetryAt(retryCount int, lastFailure time.Time) time.Time {
	jitter := time.Duration(b.rng.Int63n(int64(b.policy.JitterMax) + 1))
	return lastFailure.Add(b.Delay(retryCount) + jitter)
}

// Eligible reports whether a failed task may be re-admitted at now, and when
// it becomes (or became) eligible. Tasks at the retry cap are never eligible.
//
// retry_count was already incremented by the failure that set UpdatedAt, so the
// exponent is retry_count-1: the attempt that just failed.
func (b *Backoff) Eligible(t domain.Task, now time.Time) (bool, time.Time) {
	if t.Status != domain.StatusFailed {
		return false, time.Time{}
	}
	if int64(t.RetryCount) >= b.maxRetries.Load() {
		return false, time.Time{}
	}
	lastFailure := t.UpdatedAt
	if lastFailure.IsZero() {
		lastFailure = t.CreatedAt
	}
	exp := t.RetryCount - 1
	if exp < 0 {
		exp = 0
	}
	at := b.NextRetryAt(exp, lastFailure)
	return !now.Before(at), at
}

// ScheduleJitter returns a symmetric offset in [-max, +max].
func (b *Backoff) ScheduleJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(2*max)+1)) - max
}

// BatchTimes spreads n items from base at a fixed interval, each jittered by ±jitter.
func (b *Backoff) BatchTimes(base time.Time, n int, interval, jitter time.Duration) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		out[i] = base.Add(time.Duration(i)*interval + b.ScheduleJitter(jitter))
	}
	return out
}
