package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// maxMessageLength is Telegram's limit for a single text message.
const maxMessageLength = 4096

// sender is the outgoing half of the Bot API; tests replace it.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type botAPISender struct{ api *tgbotapi.BotAPI }

func (s botAPISender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return s.api.Send(c)
}

// sendMessage delivers text in as many parts as the length limit requires.
// Delivery stops at the first failed part.
func (b *Bot) sendMessage(chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageLength) {
		out := tgbotapi.NewMessage(chatID, part)
		out.ParseMode = b.parseMode
		if _, err := b.s.Send(out); err != nil {
			b.log.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
			return
		}
	}
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.s.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.log.Debug("failed to send typing action", zap.Error(err))
	}
}

// splitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
