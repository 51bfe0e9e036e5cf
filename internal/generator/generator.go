// Package generator produces article drafts from a topic.
package generator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	logx "zhihupub/pkg/logx"
)

const (
	defaultMinWords = 1200
	defaultMaxWords = 1800
)

type Prompt struct {
	Topic    string `json:"topic"`
	Style    string `json:"style,omitempty"`
	MinWords int    `json:"min_words,omitempty"`
	MaxWords int    `json:"max_words,omitempty"`
}

// Normalize fills defaults and rejects an empty topic.
func (p Prompt) Normalize() (Prompt, error) {
	p.Topic = strings.TrimSpace(p.Topic)
	if p.Topic == "" {
		return p, fmt.Errorf("topic is required")
	}
	if _, ok := styles[p.Style]; !ok {
		p.Style = "professional"
	}
	if p.MinWords <= 0 {
		p.MinWords = defaultMinWords
	}
	if p.MaxWords <= 0 {
		p.MaxWords = defaultMaxWords
	}
	if p.MaxWords < p.MinWords {
		return p, fmt.Errorf("max_words (%d) is below min_words (%d)", p.MaxWords, p.MinWords)
	}
	return p, nil
}

type Draft struct {
	Title     string   `json:"title"`
	Body      string   `json:"content"`
	Summary   string   `json:"summary,omitempty"`
	Tags      []string `json:"tags"`
	WordCount int      `json:"word_count"`
}

type Generator interface {
	Generate(ctx context.Context, p Prompt) (Draft, error)
}

// Config selects a backend.
//
// Driver values:
//   - "template": offline deterministic drafts (default)
//   - "openai": any OpenAI-compatible chat completions endpoint (BaseURL + Model)
type Config struct {
	Driver     string
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

func New(cfg Config, log logx.Logger) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "template":
		return NewTemplate(), nil
	case "openai", "openai-compatible":
		return NewOpenAI(cfg, log)
	default:
		return nil, fmt.Errorf("unknown generator driver %q", cfg.Driver)
	}
}

var styles = map[string]string{
	"professional":  "rigorous and data-driven, citing industry reports; for practitioners",
	"casual":        "light and plain-spoken, with everyday analogies; for a general audience",
	"humorous":      "witty, with jokes and twists that carry the point",
	"academic":      "formal and well-argued, with references",
	"analytical":    "comparison tables, trends and numbers carry the argument",
	"controversial": "a bold contrarian thesis argued from both sides",
	"comparison":    "side-by-side review across several dimensions with pros and cons",
	"storytelling":  "told through real stories and cases",
	"tutorial":      "step-by-step guide with examples",
}

// Styles lists the accepted style names.
func Styles() []string {
	out := make([]string, 0, len(styles))
	for k := range styles {
		out = append(out, k)
	}
	return out
}

// CountWords counts CJK characters individually and other text by
// whitespace-separated words.
func CountWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			n++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				n++
				inWord = true
			}
		default:
			inWord = false
		}
	}
	return n
}

func normalizeTags(tags []string, max int) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}
