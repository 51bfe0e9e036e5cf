package generator

import (
	"context"
	"fmt"
	"strings"
)

// Template builds drafts locally without a model. Output depends only on the
// prompt.
type Template struct{}

func NewTemplate() *Template { return &Template{} }

func (Template) Generate(ctx context.Context, p Prompt) (Draft, error) {
	if err := ctx.Err(); err != nil {
		return Draft{}, err
	}
	p, err := p.Normalize()
	if err != nil {
		return Draft{}, err
	}

	sections := []string{"Background", "What changed", "What it means in practice", "Open questions"}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Topic)
	fmt.Fprintf(&b, "> Notes on %s, written in a %s style.\n\n", p.Topic, p.Style)
	for _, sec := range sections {
		fmt.Fprintf(&b, "## %s\n\n", sec)
		fmt.Fprintf(&b, "%s: %s.\n\n", sec, styles[p.Style])
	}
	b.WriteString("---\n\nWhat do you think? Let us know in the comments.\n")

	body := b.String()
	return Draft{
		Title:     fmt.Sprintf("What everyone gets wrong about %s", p.Topic),
		Body:      body,
		Summary:   fmt.Sprintf("A short %s take on %s.", p.Style, p.Topic),
		Tags:      normalizeTags([]string{p.Topic, p.Style}, 5),
		WordCount: CountWords(body),
	}, nil
}
