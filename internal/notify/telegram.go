// Package notify delivers operator alerts.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of tgbotapi.BotAPI the alerter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to one chat. Delivery is best effort: failures are
// logged and dropped.
type Telegram struct {
	sender Sender
	chatID int64
	logger *log.Logger
}

// NewTelegram logs into the Bot API with token. An empty token or chat id
// returns nil, nil: alerts are then only logged by their callers.
func NewTelegram(token string, chatID int64, logger *log.Logger) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	bot.Debug = false
	if logger != nil {
		logger.Printf("telegram alerts as @%s to chat %d", bot.Self.UserName, chatID)
	}
	return NewTelegramWithSender(bot, chatID, logger), nil
}

func NewTelegramWithSender(s Sender, chatID int64, logger *log.Logger) *Telegram {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Telegram{sender: s, chatID: chatID, logger: logger}
}

func (t *Telegram) Alert(ctx context.Context, subject, detail string) {
	if ctx.Err() != nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, format(subject, detail))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Printf("telegram alert %q: %v", subject, err)
	}
}

func format(subject, detail string) string {
	s := "<b>interjornada: " + tgbotapi.EscapeText(tgbotapi.ModeHTML, subject) + "</b>"
	if detail != "" {
		s += "\n" + tgbotapi.EscapeText(tgbotapi.ModeHTML, detail)
	}
	return s
}
