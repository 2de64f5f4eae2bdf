package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"persona-chatter/internal/chat"
	"persona-chatter/internal/llm"
	"persona-chatter/internal/personality"
	"persona-chatter/internal/safego"
)

// Engine is the conversation engine the bot drives.
type Engine interface {
	Ask(ctx context.Context, req chat.Request) (chat.Reply, error)
	Slap(ctx context.Context, userID, displayName, target string) (chat.SlapReply, error)
	History(ctx context.Context, userID string, includeNames bool) ([]llm.Message, error)
	Reset(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
	Personality(ctx context.Context, userID string) (personality.Personality, error)
	SetPersonality(ctx context.Context, userID, id string) (personality.Personality, error)
	Personalities() []personality.Personality
}

type Bot struct {
	api       *tgbotapi.BotAPI
	s         sender
	engine    Engine
	parseMode string
	log       *zap.Logger
	wg        sync.WaitGroup
}

func New(botToken string, engine Engine, parseMode string, log *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		api:       api,
		s:         botAPISender{api: api},
		engine:    engine,
		parseMode: parseMode,
		log:       log.Named("telegram"),
	}, nil
}

// Start polls for updates until ctx is cancelled. Every message is handled
// on its own goroutine so slow generations for one user do not hold up
// others. Start waits for in-flight handlers before returning.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			msg := update.Message
			b.wg.Add(1)
			safego.Go(b.log, "handle-message", func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			})
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	reqID := uuid.NewString()
	log := b.log.With(
		zap.String("request_id", reqID),
		zap.Int64("user_id", msg.From.ID),
		zap.Int64("chat_id", msg.Chat.ID),
	)

	if msg.IsCommand() {
		log.Info("command received", zap.String("command", msg.Command()))
		b.handleCommand(ctx, log, msg)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	log.Info("message received", zap.Int("length", len(text)))
	b.ask(ctx, log, msg, text)
}

func userIDOf(u *tgbotapi.User) string {
	return strconv.FormatInt(u.ID, 10)
}

func displayNameOf(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = u.UserName
	}
	return name
}
