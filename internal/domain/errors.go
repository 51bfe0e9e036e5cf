package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrPublisherFailure   = errors.New("publisher failure")
	ErrAccountUnavailable = errors.New("account unavailable")
	ErrInvalidInput       = errors.New("invalid input")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind, id string) error { return NotFoundError{Kind: kind, ID: id} }

// TransitionError is returned when an operation is not valid for the
// task's current status.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
}
func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// RateLimitError carries the limiter's denial so callers can show it.
type RateLimitError struct {
	Gate    string
	Reason  string
	RetryAt time.Time
}

func (e RateLimitError) Error() string { return fmt.Sprintf("rate limited (%s): %s", e.Gate, e.Reason) }
func (e RateLimitError) Unwrap() error { return ErrRateLimited }

// PublishError is recorded on a task when the publisher reports failure.
// It never reaches the original caller.
type PublishError struct {
	Message string
	Cause   error
}

func (e PublishError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("publish failed: %s: %v", e.Message, e.Cause)
	}
	return "publish failed: " + e.Message
}

func (e PublishError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrPublisherFailure, e.Cause}
	}
	return []error{ErrPublisherFailure}
}

// InvalidInput wraps a validation message with ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}
