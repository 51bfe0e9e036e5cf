// Package publisher submits an article to the platform on behalf of an account.
//
// The browser automation that actually drives the platform lives outside this
// process; backends here talk to it (webhook) or fake it (dryrun).
package publisher

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "zhihupub/pkg/logx"
)

// Request is what one publish attempt needs.
type Request struct {
	TaskID        string   `json:"task_id"`
	AccountHandle string   `json:"account_handle"`
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	Tags          []string `json:"tags"`
}

// Result reports the platform outcome. Success=false with a nil error is a
// normal platform-side failure (Message explains it).
type Result struct {
	Success        bool   `json:"success"`
	ArtifactURL    string `json:"artifact_url,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	Message        string `json:"message,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// Config selects and configures a backend.
//
// Driver values:
//   - "dryrun": succeed without contacting anything (default)
//   - "webhook": POST the request as JSON to URL
type Config struct {
	Driver  string
	URL     string
	Token   string
	Timeout time.Duration
	// DryRunURL is the artifact URL template for dryrun; "{task}" is replaced.
	DryRunURL string
}

func New(cfg Config, log logx.Logger) (Publisher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "dryrun", "dry-run":
		return NewDryRun(cfg.DryRunURL, log), nil
	case "webhook", "http":
		return NewWebhook(cfg, log)
	default:
		return nil, errors.New("unknown publisher driver: " + cfg.Driver)
	}
}
