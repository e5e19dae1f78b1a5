// internal/notify/telegram.go
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/finsight/internal/session"
)

const maxTelegramMessage = 4096

// Telegram delivers terminal session results to a Telegram chat. It is an
// optional delivery surface next to the dashboard: the session core never
// knows it exists.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram creates a Telegram notifier for the given bot token and chat.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Deliver sends the terminal snapshot's text (or failure message) to the
// configured chat, split across messages when it exceeds the API limit.
// Non-terminal snapshots are rejected.
func (t *Telegram) Deliver(snap session.Snapshot) error {
	text, err := composeMessage(snap)
	if err != nil {
		return err
	}
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(t.chatID, part)
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// composeMessage renders a terminal snapshot as chat text: the result with
// its model attribution, or the failure message.
func composeMessage(snap session.Snapshot) (string, error) {
	switch {
	case snap.Result != nil:
		return fmt.Sprintf("%s\n\n(model: %s)", snap.Result.Text, snap.Result.ModelUsed), nil
	case snap.State.Terminal():
		return snap.ErrMessage, nil
	}
	return "", fmt.Errorf("session %s is not terminal", snap.Key)
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
