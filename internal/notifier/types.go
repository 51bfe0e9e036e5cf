package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// NotifyStatuses lists the task statuses that produce a message.
	// Empty means failed only.
	NotifyStatuses []string
}

// Notification is one message. Priority 9+ is urgent, 7+ a warning, 5+ info.
type Notification struct {
	Priority int
	Text     string
	// Key overrides the dedup key derived from priority and text.
	Key string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
}
