package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"persona-chatter/internal/chat"
	"persona-chatter/internal/llm"
	"persona-chatter/internal/users"
)

const (
	msgGenerationFailed = "Sorry, I couldn't generate a response. Please try again later."
	msgStorageFailed    = "Sorry, I couldn't access your conversation memory right now. Please try again later."
	msgSlapFallback     = "Ow. That hurt more than usual. 🥲"

	helpText = "Available commands:\n" +
		"/ask <message> (aliases /chat, /talk) - talk to me; plain messages work too\n" +
		"/reset (alias /clear) - clear your conversation history\n" +
		"/personality list|set <id>|current (alias /persona) - manage my personality\n" +
		"/memory view|delete (aliases /mem, /context) - view or delete what I remember\n" +
		"/slap [target] (aliases /smack, /bonk) - slap me and see how I react\n" +
		"/help - show this message"
)

// commandAliases maps every accepted command to its canonical name.
var commandAliases = map[string]string{
	"ask": "ask", "chat": "ask", "talk": "ask",
	"reset": "reset", "clear": "reset",
	"personality": "personality", "persona": "personality",
	"memory": "memory", "mem": "memory", "context": "memory",
	"slap": "slap", "smack": "slap", "bonk": "slap",
	"start": "help", "help": "help",
}

func (b *Bot) handleCommand(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message) {
	name, ok := commandAliases[strings.ToLower(msg.Command())]
	if !ok {
		b.sendMessage(msg.Chat.ID, "Unknown command. Use /help to see available commands.")
		return
	}
	args := strings.Fields(msg.CommandArguments())

	switch name {
	case "ask":
		text := strings.TrimSpace(msg.CommandArguments())
		if text == "" {
			b.sendMessage(msg.Chat.ID, "Please provide a message to send to the LLM. Example: /ask What is the capital of France?")
			return
		}
		b.ask(ctx, log, msg, text)
	case "reset":
		b.reset(ctx, log, msg)
	case "personality":
		b.personality(ctx, log, msg, args)
	case "memory":
		b.memory(ctx, log, msg, args)
	case "slap":
		b.slap(ctx, log, msg, args)
	case "help":
		b.sendMessage(msg.Chat.ID, helpText)
	}
}

func (b *Bot) ask(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message, text string) {
	b.sendTyping(msg.Chat.ID)
	reply, err := b.engine.Ask(ctx, chat.Request{
		UserID:      userIDOf(msg.From),
		DisplayName: displayNameOf(msg.From),
		Text:        text,
	})
	switch {
	case err == nil:
		log.Info("reply generated",
			zap.String("personality", reply.Personality.ID),
			zap.String("provider", reply.Provider),
			zap.Bool("new_user", reply.NewUser),
		)
		b.sendMessage(msg.Chat.ID, reply.Text)
	case errors.Is(err, chat.ErrGeneration):
		log.Error("failed to generate response", zap.Error(err))
		b.sendMessage(msg.Chat.ID, msgGenerationFailed)
	case errors.Is(err, chat.ErrEmptyText):
		b.sendMessage(msg.Chat.ID, "Please provide a message to send to the LLM.")
	default:
		log.Error("ask failed", zap.Error(err))
		b.sendMessage(msg.Chat.ID, msgStorageFailed)
	}
}

func (b *Bot) reset(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message) {
	if err := b.engine.Reset(ctx, userIDOf(msg.From)); err != nil {
		log.Error("reset failed", zap.Error(err))
		b.sendMessage(msg.Chat.ID, msgStorageFailed)
		return
	}
	b.sendMessage(msg.Chat.ID, "Your conversation history has been reset. You're starting with a clean slate!")
}

func (b *Bot) personality(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message, args []string) {
	const subcommands = "Available subcommands: list, set, current"
	if len(args) == 0 {
		b.sendMessage(msg.Chat.ID, "Please provide a subcommand. "+subcommands)
		return
	}
	userID := userIDOf(msg.From)

	switch sub := strings.ToLower(args[0]); sub {
	case "list":
		var sb strings.Builder
		sb.WriteString("Available personalities:\n")
		for _, p := range b.engine.Personalities() {
			fmt.Fprintf(&sb, "\n%s\nID: %s\nDescription: %s\n", p.DisplayName, p.ID, truncate(p.SystemPrompt, 100))
		}
		b.sendMessage(msg.Chat.ID, sb.String())
	case "set":
		if len(args) < 2 {
			b.sendMessage(msg.Chat.ID, "Please provide a personality name. Example: /personality set coding_tutor")
			return
		}
		p, err := b.engine.SetPersonality(ctx, userID, args[1])
		if errors.Is(err, users.ErrUnknownPersonality) {
			b.sendMessage(msg.Chat.ID, fmt.Sprintf("Unknown personality: %s. Use /personality list to see available personalities.", strings.ToLower(args[1])))
			return
		}
		if err != nil {
			log.Error("set personality failed", zap.Error(err))
			b.sendMessage(msg.Chat.ID, msgStorageFailed)
			return
		}
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("Your personality has been set to %s. Future responses will use this personality.", p.DisplayName))
	case "current":
		p, err := b.engine.Personality(ctx, userID)
		if err != nil {
			log.Error("get personality failed", zap.Error(err))
			b.sendMessage(msg.Chat.ID, msgStorageFailed)
			return
		}
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("You are currently using the %s personality.\n\nDescription: %s\nID: %s", p.DisplayName, p.SystemPrompt, p.ID))
	default:
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("Unknown subcommand: %s. %s", sub, subcommands))
	}
}

func (b *Bot) memory(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message, args []string) {
	const subcommands = "Available subcommands: view, delete"
	if len(args) == 0 {
		b.sendMessage(msg.Chat.ID, "Please provide a subcommand. "+subcommands)
		return
	}
	userID := userIDOf(msg.From)

	switch sub := strings.ToLower(args[0]); sub {
	case "view":
		msgs, err := b.engine.History(ctx, userID, false)
		if err != nil {
			log.Error("read history failed", zap.Error(err))
			b.sendMessage(msg.Chat.ID, msgStorageFailed)
			return
		}
		if len(msgs) == 0 {
			b.sendMessage(msg.Chat.ID, "You don't have any conversation history yet. Try talking to me with /ask first!")
			return
		}
		b.sendMessage(msg.Chat.ID, "Here's what I remember from our conversation:\n\n"+formatHistory(msgs))
	case "delete":
		if err := b.engine.Delete(ctx, userID); err != nil {
			log.Error("delete user failed", zap.Error(err))
			b.sendMessage(msg.Chat.ID, msgStorageFailed)
			return
		}
		b.sendMessage(msg.Chat.ID, "Your conversation memory has been deleted. All your data has been removed from the bot.")
	default:
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("Unknown subcommand: %s. %s", sub, subcommands))
	}
}

func (b *Bot) slap(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message, args []string) {
	target := "me"
	if len(args) > 0 {
		target = strings.Join(args, " ")
	}
	b.sendTyping(msg.Chat.ID)
	reply, err := b.engine.Slap(ctx, userIDOf(msg.From), displayNameOf(msg.From), target)
	if err != nil {
		if errors.Is(err, chat.ErrGeneration) {
			log.Warn("fallback slap response", zap.Error(err))
			b.sendMessage(msg.Chat.ID, msgSlapFallback)
			return
		}
		log.Error("slap failed", zap.Error(err))
		b.sendMessage(msg.Chat.ID, msgStorageFailed)
		return
	}
	b.sendMessage(msg.Chat.ID, reply.Text)
}

func formatHistory(msgs []llm.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			parts = append(parts, "You: "+m.Content)
		case llm.RoleAssistant:
			parts = append(parts, "Bot: "+m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
