package domain

import (
	"fmt"
	"strings"
	"time"
)

type LoginState string

const (
	LoginLoggedIn  LoginState = "logged_in"
	LoginLoggedOut LoginState = "logged_out"
	LoginExpired   LoginState = "expired"
)

// Account is a platform account that publishes articles.
// DailyLimit <= 0 means "use the configured default".
type Account struct {
	ID            string     `json:"id"`
	Nickname      string     `json:"nickname"`
	ProfileHandle string     `json:"profile_handle,omitempty"`
	Active        bool       `json:"active"`
	LoginState    LoginState `json:"login_state"`
	DailyLimit    int        `json:"daily_limit"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Handle is the identity passed to the publisher (browser profile name).
func (a Account) Handle() string {
	if h := strings.TrimSpace(a.ProfileHandle); h != "" {
		return h
	}
	return "account_" + a.ID
}

// CheckUsable returns ErrAccountUnavailable when the account cannot publish.
func (a Account) CheckUsable() error {
	if !a.Active {
		return fmt.Errorf("account %s is disabled: %w", a.ID, ErrAccountUnavailable)
	}
	if a.LoginState != LoginLoggedIn {
		return fmt.Errorf("account %s is not logged in (state=%s): %w", a.ID, a.LoginState, ErrAccountUnavailable)
	}
	return nil
}

type ArticleStatus string

const (
	ArticleDraft     ArticleStatus = "draft"
	ArticlePublished ArticleStatus = "published"
)

// Article is the content item a task publishes.
type Article struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	Tags      []string      `json:"tags"`
	WordCount int           `json:"word_count"`
	Status    ArticleStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
