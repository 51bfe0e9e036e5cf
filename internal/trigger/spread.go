package trigger

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedFirst runs a cron.Every schedule, but not before first.
type delayedFirst struct {
	every cron.Schedule
	first time.Time
}

func (d *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.every.Next(t)
}

var spreadSeq atomic.Uint64

// makeIntervalScheduleWithSpread returns an interval schedule whose first run
// lands at now+every+U[0, min(every, limit)). The spread is returned for logging.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, name string, limit time.Duration) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, limit)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())))
	spread := time.Duration(rng.Int63n(int64(window)))
	return &delayedFirst{every: base, first: now.Add(every + spread)}, spread
}
