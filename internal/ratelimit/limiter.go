// Package ratelimit decides whether an account may publish right now.
//
// Three gates run in order and the first denial wins: the daily active
// window, the per-account daily quota, and the minimum spacing between
// publications.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zhihupub/internal/domain"
)

type Gate string

const (
	GateNone    Gate = ""
	GateWindow  Gate = "window"
	GateQuota   Gate = "quota"
	GateSpacing Gate = "spacing"
)

const (
	DefaultActiveStartHour = 8
	DefaultActiveEndHour   = 23
	DefaultDailyLimit      = 5
	DefaultMinInterval     = 300 * time.Second
)

type Policy struct {
	ActiveStartHour   int
	ActiveEndHour     int
	DefaultDailyLimit int
	MinInterval       time.Duration
	Location          *time.Location
}

func DefaultPolicy() Policy {
	return Policy{
		ActiveStartHour:   DefaultActiveStartHour,
		ActiveEndHour:     DefaultActiveEndHour,
		DefaultDailyLimit: DefaultDailyLimit,
		MinInterval:       DefaultMinInterval,
		Location:          time.Local,
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// Validate rejects windows that can never be open.
func (p Policy) Validate() error {
	if p.ActiveStartHour < 0 || p.ActiveStartHour > 23 {
		return fmt.Errorf("active_start_hour out of range: %d", p.ActiveStartHour)
	}
	if p.ActiveEndHour < 1 || p.ActiveEndHour > 24 {
		return fmt.Errorf("active_end_hour out of range: %d", p.ActiveEndHour)
	}
	if p.ActiveStartHour >= p.ActiveEndHour {
		return fmt.Errorf("active window is empty: [%d, %d)", p.ActiveStartHour, p.ActiveEndHour)
	}
	if p.MinInterval < 0 {
		return fmt.Errorf("min_interval must be >= 0")
	}
	return nil
}

// LimitFor returns the account's own quota, or the policy default when unset.
func (p Policy) LimitFor(acct domain.Account) int {
	if acct.DailyLimit > 0 {
		return acct.DailyLimit
	}
	return p.DefaultDailyLimit
}

// InWindow reports whether now falls inside [start, end) local hours.
func (p Policy) InWindow(now time.Time) bool {
	h := now.In(p.loc()).Hour()
	return h >= p.ActiveStartHour && h < p.ActiveEndHour
}

// DayStart returns local midnight for now in the policy location.
func (p Policy) DayStart(now time.Time) time.Time {
	n := now.In(p.loc())
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, p.loc())
}

// Usage is what the limiter needs to know about an account's recent activity.
// A zero LastActivity means the account never published.
type Usage struct {
	SuccessToday int
	LastActivity time.Time
}

// Decision is the outcome of a limiter check. RetryAt is the earliest time the
// denying gate could open; zero when allowed.
type Decision struct {
	Allowed bool
	Gate    Gate
	Reason  string
	RetryAt time.Time
}

// Err returns nil when allowed, otherwise a domain.RateLimitError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.RateLimitError{Gate: string(d.Gate), Reason: d.Reason, RetryAt: d.RetryAt}
}

// Decide is pure: same inputs, same decision.
func Decide(p Policy, acct domain.Account, u Usage, now time.Time) Decision {
	loc := p.loc()
	local := now.In(loc)

	if !p.InWindow(now) {
		next := time.Date(local.Year(), local.Month(), local.Day(), p.ActiveStartHour, 0, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return Decision{
			Gate:    GateWindow,
			Reason:  fmt.Sprintf("outside active hours (%02d:00-%02d:00)", p.ActiveStartHour, p.ActiveEndHour),
			RetryAt: next,
		}
	}

	limit := p.LimitFor(acct)
	if u.SuccessToday >= limit {
		return Decision{
			Gate:    GateQuota,
			Reason:  fmt.Sprintf("daily limit reached (%d/%d)", u.SuccessToday, limit),
			RetryAt: p.DayStart(now).AddDate(0, 0, 1),
		}
	}

	if !u.LastActivity.IsZero() && p.MinInterval > 0 {
		elapsed := now.Sub(u.LastActivity)
		if elapsed < p.MinInterval {
			remaining := p.MinInterval - elapsed
			return Decision{
				Gate:    GateSpacing,
				Reason:  fmt.Sprintf("too soon after last publish, wait %ds", int(remaining.Round(time.Second)/time.Second)),
				RetryAt: u.LastActivity.Add(p.MinInterval),
			}
		}
	}

	return Decision{Allowed: true}
}

// UsageSource reads per-account activity. The store implements it.
type UsageSource interface {
	AccountUsage(ctx context.Context, accountID string, since time.Time) (Usage, error)
}

// Limiter binds a Policy to a usage source. It has no side effects.
type Limiter struct {
	mu     sync.RWMutex
	policy Policy
	usage  UsageSource
}

func New(p Policy, usage UsageSource) *Limiter {
	return &Limiter{policy: p, usage: usage}
}

func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// Apply swaps the policy (hot reload).
func (l *Limiter) Apply(p Policy) {
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
}

func (l *Limiter) Check(ctx context.Context, acct domain.Account, now time.Time) (Decision, error) {
	p := l.Policy()
	u, err := l.usage.AccountUsage(ctx, acct.ID, p.DayStart(now))
	if err != nil {
		return Decision{}, fmt.Errorf("read usage for account %s: %w", acct.ID, err)
	}
	return Decide(p, acct, u, now), nil
}
