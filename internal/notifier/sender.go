package notifier

import (
	"context"
	"errors"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// maxMessageRunes is the Bot API limit for one text message.
const maxMessageRunes = 4096

// Sender delivers one formatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Telegram sends to a fixed chat (and optional forum topic) through the Bot API.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegram builds an offline bot: no getMe call and no poller, the bot
// only sends.
func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("notifier: telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("notifier: telegram chat_id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if t.threadID > 0 {
		opts.ThreadID = t.threadID
	}
	_, err := t.bot.Send(t.chat, truncRunes(text, maxMessageRunes), opts)
	return err
}

// truncRunes cuts s to at most n runes, the last one being "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
