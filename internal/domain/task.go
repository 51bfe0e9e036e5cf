package domain

import (
	"time"
)

// Status is the lifecycle state of a publish task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no automatic transition leaves s.
// failed is terminal unless the retry sweep (or an operator) re-admits it.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCancelled || s == StatusFailed
}

// allowedTransitions is the task state machine.
//
// pending -> pending covers rescheduling and deferral (only scheduled_at changes).
// failed -> pending is retry re-admission. Nothing leaves success or cancelled.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusPending:   {},
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusSuccess: {},
		StatusFailed:  {},
	},
	StatusFailed: {
		StatusPending: {},
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Mode records which scheduling path created a task.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeScheduled Mode = "scheduled"
	ModeBatch     Mode = "batch"
)

// Task is one scheduled attempt to publish an article via an account.
//
// UpdatedAt is the basis for retry backoff, not CreatedAt.
type Task struct {
	ID           string     `json:"id"`
	ArticleID    string     `json:"article_id"`
	AccountID    string     `json:"account_id"`
	Status       Status     `json:"status"`
	Mode         Mode       `json:"mode"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Due reports whether the task is eligible for dispatch at now.
func (t Task) Due(now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// FireAt returns when the trigger for this task should fire.
func (t Task) FireAt(now time.Time) time.Time {
	if t.ScheduledAt == nil {
		return now
	}
	return *t.ScheduledAt
}

// Outcome is the result of a single publish attempt.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Attempt is the append-only history of one execution of a task.
// Once FinishedAt is set the record is never modified again.
type Attempt struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	ArticleID      string     `json:"article_id"`
	AccountID      string     `json:"account_id"`
	Outcome        Outcome    `json:"outcome"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ArtifactURL    string     `json:"artifact_url,omitempty"`
	ScreenshotPath string     `json:"screenshot_path,omitempty"`
	Message        string     `json:"message,omitempty"`
}

func (a Attempt) Finished() bool { return a.FinishedAt != nil }

// AttemptResult carries the fields written when an attempt finishes.
type AttemptResult struct {
	Outcome        Outcome
	ArtifactURL    string
	ScreenshotPath string
	Message        string
	FinishedAt     time.Time
}
