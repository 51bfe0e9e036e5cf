package generator

import (
	"context"
	"fmt"
	"time"

	"zhihupub/internal/domain"
	logx "zhihupub/pkg/logx"
)

// ArticleWriter is the part of the store Drafts needs.
type ArticleWriter interface {
	PutArticle(ctx context.Context, a domain.Article) error
}

// Drafts generates an article and stores it as a draft.
type Drafts struct {
	gen   Generator
	store ArticleWriter
	log   logx.Logger
	now   func() time.Time
}

func NewDrafts(gen Generator, store ArticleWriter, log logx.Logger) *Drafts {
	return &Drafts{gen: gen, store: store, log: log, now: time.Now}
}

func (d *Drafts) Create(ctx context.Context, p Prompt) (domain.Article, error) {
	if _, err := p.Normalize(); err != nil {
		return domain.Article{}, domain.InvalidInput("%v", err)
	}
	draft, err := d.gen.Generate(ctx, p)
	if err != nil {
		return domain.Article{}, fmt.Errorf("generate draft: %w", err)
	}
	now := d.now()
	art := domain.Article{
		ID:        domain.NewID(),
		Title:     draft.Title,
		Body:      draft.Body,
		Tags:      draft.Tags,
		WordCount: draft.WordCount,
		Status:    domain.ArticleDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if art.WordCount == 0 {
		art.WordCount = CountWords(art.Body)
	}
	if err := d.store.PutArticle(ctx, art); err != nil {
		return domain.Article{}, fmt.Errorf("store draft: %w", err)
	}
	d.log.Info("draft stored", logx.String("article", art.ID), logx.String("title", art.Title), logx.Int("words", art.WordCount))
	return art, nil
}
