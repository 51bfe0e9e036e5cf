package generator

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

	"zhihupub/internal/retry"
	logx "zhihupub/pkg/logx"
)

const (
	defaultOpenAITimeout    = 3 * time.Minute
	defaultOpenAIMaxRetries = 4
	maxCompletionBody       = 4 << 20
)

// OpenAI talks to any endpoint that implements POST {base}/chat/completions.
type OpenAI struct {
	endpoint   string
	apiKey     string
	model      string
	client     *http.Client
	backoff    *retry.Backoff
	maxRetries int
	log        logx.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewOpenAI(cfg Config, log logx.Logger) (*OpenAI, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid generator base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("generator model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenAITimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultOpenAIMaxRetries
	}
	return &OpenAI{
		endpoint:   base + "/chat/completions",
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		client:     &http.Client{Timeout: timeout},
		backoff:    retry.New(retry.Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, JitterMax: time.Second}, nil),
		maxRetries: maxRetries,
		log:        log,
		sleep:      sleepCtx,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// statusError is a non-2xx answer from the endpoint.
type statusError struct {
	Code int
	Body string
}

func (e statusError) Error() string { return fmt.Sprintf("chat completions: status %d: %s", e.Code, e.Body) }

func (e statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func (g *OpenAI) Generate(ctx context.Context, p Prompt) (Draft, error) {
	p, err := p.Normalize()
	if err != nil {
		return Draft{}, err
	}
	text, err := g.chat(ctx, systemPrompt, userPrompt(p))
	if err != nil {
		return Draft{}, err
	}
	d, err := parseDraft(text)
	if err != nil {
		return Draft{}, err
	}
	g.log.Info("draft generated", logx.String("topic", p.Topic), logx.String("model", g.model), logx.Int("words", d.WordCount))
	return d, nil
}

// chat retries 429, 5xx and transport errors with exponential backoff.
func (g *OpenAI) chat(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.8,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			d := g.backoff.Delay(attempt - 1)
			g.log.Warn("chat completions retry", logx.Int("attempt", attempt), logx.Duration("delay", d), logx.Err(lastErr))
			if err := g.sleep(ctx, d); err != nil {
				return "", err
			}
		}
		text, err := g.do(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var se statusError
		if errors.As(err, &se) && !se.retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("chat completions: giving up after %d attempts: %w", g.maxRetries+1, lastErr)
}

func (g *OpenAI) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCompletionBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", statusError{Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 500)}
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("chat completions: decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("chat completions: no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

const systemPrompt = `You are a popular long-form columnist. Plan the outline first: one core thesis, 3-5 supporting points, evidence for each.
Format the article in Markdown with ## section headings, bold key points, quotes for striking data, and lists where they help.
Titles are 15-25 characters, contain the main keyword, and prefer question, number or counter-intuitive forms.
End with an open question inviting comments.
Reply with a single JSON object and nothing else:
{"title": "...", "content": "markdown body", "summary": "under 100 characters", "tags": ["tag1", "tag2", "tag3", "tag4", "tag5"]}`

func userPrompt(p Prompt) string {
	return fmt.Sprintf(`Write a column article on the topic "%s".
Style: %s.
Length: %d-%d words.
Pick 5 popular related topic tags.`, p.Topic, styles[p.Style], p.MinWords, p.MaxWords)
}

// parseDraft accepts the JSON object bare or inside a ``` fence. A reply that
// is not JSON becomes the body, titled by its first line.
func parseDraft(text string) (Draft, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Draft{}, errors.New("empty completion")
	}
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			var d Draft
			if err := json.Unmarshal([]byte(s[i:j+1]), &d); err == nil && strings.TrimSpace(d.Body) != "" {
				d.Title = strings.TrimSpace(d.Title)
				d.Tags = normalizeTags(d.Tags, 5)
				d.WordCount = CountWords(d.Body)
				if d.Title == "" {
					d.Title = firstLine(d.Body)
				}
				return d, nil
			}
		}
	}
	return Draft{
		Title:     firstLine(s),
		Body:      s,
		WordCount: CountWords(s),
	}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return truncate(strings.TrimSpace(strings.TrimLeft(line, "# ")), 60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
