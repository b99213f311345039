// Package telegram delivers alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	"execbot/internal/notifier"
)

// Telegram caps messages at 4096 runes; leave room for the subject line.
const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint (tests).
	URL string
}

// Sender is the subset of *tele.Bot used here.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Transport struct {
	cfg Config
	bot Sender
}

// New builds an offline bot: no getMe call and no poller, since alerts are
// send-only.
func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, bot: b}, nil
}

// NewWithSender is used by tests.
func NewWithSender(cfg Config, bot Sender) *Transport {
	return &Transport{cfg: cfg, bot: bot}
}

func (t *Transport) Name() string { return "telegram" }

func (t *Transport) Send(ctx context.Context, a notifier.Alert) error {
	text := "<b>" + html.EscapeString(a.Subject) + "</b>"
	if body := strings.TrimSpace(a.Body); body != "" {
		text += "\n<pre>" + html.EscapeString(body) + "</pre>"
	}
	chat := &tele.Chat{ID: t.cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	}

	// telebot has no context support; check before each chunk.
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries. Chunks after the first lose HTML context, so tags that span a
// cut are closed and reopened.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	for i := range out {
		if strings.Count(out[i], "<pre>") > strings.Count(out[i], "</pre>") {
			out[i] += "</pre>"
			if i+1 < len(out) {
				out[i+1] = "<pre>" + out[i+1]
			}
		}
	}
	return out
}
