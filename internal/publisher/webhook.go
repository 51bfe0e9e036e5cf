package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "zhihupub/pkg/logx"
)

const (
	defaultWebhookTimeout = 3 * time.Minute
	maxResponseBody       = 1 << 20
)

// Webhook hands the request to a browser-automation sidecar over HTTP.
//
// The sidecar answers 200 with a Result body. Any other status is an error.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	log    logx.Logger
}

func NewWebhook(cfg Config, log logx.Logger) (*Webhook, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("publisher webhook url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid publisher webhook url %q", raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:    u.String(),
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

func (w *Webhook) Publish(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+w.token)
	}

	start := time.Now()
	resp, err := w.client.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("publisher webhook: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, fmt.Errorf("publisher webhook: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("publisher webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("publisher webhook: decode result: %w", err)
	}
	w.log.Debug("webhook publish done",
		logx.String("task", req.TaskID),
		logx.Bool("success", res.Success),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}
