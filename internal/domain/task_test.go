package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusPending, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusRunning, StatusCancelled, false},
		{StatusRunning, StatusPending, false},
		{StatusSuccess, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusFailed, StatusRunning, false},
		{StatusFailed, StatusCancelled, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTaskDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if !(Task{Status: StatusPending}).Due(now) {
		t.Fatal("pending task without scheduled_at should be due")
	}
	if !(Task{Status: StatusPending, ScheduledAt: &past}).Due(now) {
		t.Fatal("pending task scheduled in the past should be due")
	}
	if !(Task{Status: StatusPending, ScheduledAt: &now}).Due(now) {
		t.Fatal("pending task scheduled exactly now should be due")
	}
	if (Task{Status: StatusPending, ScheduledAt: &future}).Due(now) {
		t.Fatal("future task should not be due")
	}
	if (Task{Status: StatusFailed}).Due(now) {
		t.Fatal("failed task should never be due")
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	t.Parallel()
	if !errors.Is(NotFound("task", "x"), ErrNotFound) {
		t.Fatal("NotFoundError should match ErrNotFound")
	}
	if !errors.Is(TransitionError{TaskID: "x", From: StatusRunning, To: StatusCancelled}, ErrInvalidTransition) {
		t.Fatal("TransitionError should match ErrInvalidTransition")
	}
	var rl RateLimitError
	if !errors.As(error(RateLimitError{Gate: "quota", Reason: "5/5"}), &rl) || rl.Gate != "quota" {
		t.Fatal("RateLimitError should be extractable with errors.As")
	}
	cause := errors.New("timeout")
	pe := PublishError{Message: "submit", Cause: cause}
	if !errors.Is(pe, ErrPublisherFailure) || !errors.Is(pe, cause) {
		t.Fatal("PublishError should match both ErrPublisherFailure and its cause")
	}
}

func TestAccountCheckUsable(t *testing.T) {
	t.Parallel()
	ok := Account{ID: "a", Active: true, LoginState: LoginLoggedIn}
	if err := ok.CheckUsable(); err != nil {
		t.Fatalf("CheckUsable() = %v, want nil", err)
	}
	if err := (Account{ID: "a", Active: false, LoginState: LoginLoggedIn}).CheckUsable(); !errors.Is(err, ErrAccountUnavailable) {
		t.Fatalf("disabled account err = %v, want ErrAccountUnavailable", err)
	}
	if err := (Account{ID: "a", Active: true, LoginState: LoginExpired}).CheckUsable(); !errors.Is(err, ErrAccountUnavailable) {
		t.Fatalf("expired account err = %v, want ErrAccountUnavailable", err)
	}
	if got := (Account{ID: "7"}).Handle(); got != "account_7" {
		t.Fatalf("Handle() = %q, want account_7", got)
	}
}
