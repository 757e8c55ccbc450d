package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Telegram delivers through a send-only bot. No poller is attached; the
// bot never consumes updates.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// NewBot calls getMe, so a bad token fails here at startup rather
	// than on the first alert.
	bot, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	// telebot calls don't take a context; check before the blocking send.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	text := msg.Title
	if msg.Body != "" {
		text += "\n" + msg.Body
	}
	_, err := t.bot.Send(tele.ChatID(t.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
