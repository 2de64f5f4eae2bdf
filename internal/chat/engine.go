// Package chat runs a conversation turn end to end: it records the incoming
// message, assembles the prompt, calls the generator and records the reply.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"persona-chatter/internal/composer"
	"persona-chatter/internal/history"
	"persona-chatter/internal/llm"
	"persona-chatter/internal/metrics"
	"persona-chatter/internal/personality"
	"persona-chatter/internal/storage"
	"persona-chatter/internal/users"
)

// SlapCountKey is the metadata key holding how often a user slapped the bot.
const SlapCountKey = "slap_count"

var (
	// ErrGeneration wraps every generator failure. The incoming message is
	// already recorded when it is returned.
	ErrGeneration = errors.New("generation failed")
	ErrEmptyText  = errors.New("empty message")
)

type Request struct {
	UserID      string
	DisplayName string
	Text        string
}

type Reply struct {
	Text        string
	Personality personality.Personality
	NewUser     bool
	Provider    string
}

type SlapReply struct {
	Text        string
	Count       int
	Personality personality.Personality
}

type Options struct {
	SharedContext bool
	Params        llm.Params
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type Engine struct {
	users    *users.Service
	ledger   *history.Ledger
	composer *composer.Composer
	gen      llm.Client
	shared   bool
	params   llm.Params
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(us *users.Service, ledger *history.Ledger, comp *composer.Composer, gen llm.Client, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Params == (llm.Params{}) {
		opts.Params = llm.DefaultParams()
	}
	return &Engine{
		users:    us,
		ledger:   ledger,
		composer: comp,
		gen:      gen,
		shared:   opts.SharedContext,
		params:   opts.Params,
		metrics:  opts.Metrics,
		log:      opts.Logger.Named("chat"),
	}
}

// Ask records req.Text, answers it in the user's persona and records the
// answer. Storage errors are returned as is; generator failures wrap
// ErrGeneration.
func (e *Engine) Ask(ctx context.Context, req Request) (reply Reply, err error) {
	defer e.track("ask", &err)()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Reply{}, ErrEmptyText
	}
	log := e.log.With(zap.String("user_id", req.UserID))

	created, err := e.users.Ensure(ctx, req.UserID, req.DisplayName)
	if err != nil {
		return Reply{}, e.storeErr("ensure_user", err)
	}
	if err := e.ledger.AppendUser(ctx, req.UserID, text, req.DisplayName); err != nil {
		return Reply{}, e.storeErr("append_message", err)
	}
	p, err := e.users.Personality(ctx, req.UserID)
	if err != nil {
		return Reply{}, e.storeErr("get_personality", err)
	}
	hist, err := e.ledger.Get(ctx, req.UserID)
	if err != nil {
		return Reply{}, e.storeErr("get_history", err)
	}
	names, err := e.users.DisplayNames(ctx)
	if err != nil {
		return Reply{}, e.storeErr("get_display_names", err)
	}
	var all map[string][]storage.Message
	if e.shared {
		if all, err = e.ledger.GetAll(ctx); err != nil {
			return Reply{}, e.storeErr("get_all_histories", err)
		}
	}

	out := e.composer.Compose(composer.Input{
		UserID:        req.UserID,
		DisplayName:   req.DisplayName,
		PersonalityID: p.ID,
		NewUser:       created,
		History:       hist,
		AllHistories:  all,
		Names:         names,
		IncludeShared: e.shared,
	})
	if e.metrics != nil {
		e.metrics.ContextMessages.Observe(float64(len(out.Messages)))
	}

	resp, err := e.gen.Generate(ctx, out.Messages, e.params)
	if err != nil {
		log.Error("failed to generate response", zap.Error(err))
		return Reply{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if err := e.ledger.AppendAssistant(ctx, req.UserID, resp.Content); err != nil {
		return Reply{}, e.storeErr("append_message", err)
	}
	log.Debug("answered",
		zap.String("personality", p.ID),
		zap.Bool("new_user", created),
		zap.Int("context_messages", len(out.Messages)),
		zap.String("provider", resp.Provider),
		zap.Int("total_tokens", resp.TotalTokens),
	)
	return Reply{Text: resp.Content, Personality: p, NewUser: created, Provider: resp.Provider}, nil
}

// Slap bumps the user's slap counter and asks the generator for an
// in-character reaction. Nothing is written to history.
func (e *Engine) Slap(ctx context.Context, userID, displayName, target string) (reply SlapReply, err error) {
	defer e.track("slap", &err)()

	if _, err := e.users.Ensure(ctx, userID, displayName); err != nil {
		return SlapReply{}, e.storeErr("ensure_user", err)
	}
	count, err := e.users.IncrementCounter(ctx, userID, SlapCountKey)
	if err != nil {
		return SlapReply{}, e.storeErr("set_metadata", err)
	}
	p, err := e.users.Personality(ctx, userID)
	if err != nil {
		return SlapReply{}, e.storeErr("get_personality", err)
	}
	out := e.composer.ComposeSlap(p.ID, count, target)
	resp, err := e.gen.Generate(ctx, out.Messages, e.params)
	if err != nil {
		e.log.Warn("slap generation failed", zap.String("user_id", userID), zap.Error(err))
		return SlapReply{Count: count, Personality: p}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return SlapReply{Text: resp.Content, Count: count, Personality: p}, nil
}

// History returns the user's retained messages, optionally prefixing user
// turns with the sender's display name.
func (e *Engine) History(ctx context.Context, userID string, includeNames bool) (msgs []llm.Message, err error) {
	defer e.track("history", &err)()
	return e.ledger.View(ctx, userID, includeNames)
}

// Reset clears the conversation but keeps the user's settings.
func (e *Engine) Reset(ctx context.Context, userID string) (err error) {
	defer e.track("reset", &err)()
	if err := e.users.Reset(ctx, userID); err != nil {
		return e.storeErr("reset_history", err)
	}
	e.log.Info("reset conversation history", zap.String("user_id", userID))
	return nil
}

// Delete forgets the user entirely.
func (e *Engine) Delete(ctx context.Context, userID string) (err error) {
	defer e.track("delete", &err)()
	if err := e.users.Delete(ctx, userID); err != nil {
		return e.storeErr("delete_user", err)
	}
	e.log.Info("deleted user data", zap.String("user_id", userID))
	return nil
}

func (e *Engine) Personality(ctx context.Context, userID string) (personality.Personality, error) {
	return e.users.Personality(ctx, userID)
}

func (e *Engine) SetPersonality(ctx context.Context, userID, id string) (p personality.Personality, err error) {
	defer e.track("set_personality", &err)()
	p, err = e.users.SetPersonality(ctx, userID, strings.ToLower(strings.TrimSpace(id)))
	if err != nil {
		return personality.Personality{}, err
	}
	if e.metrics != nil {
		e.metrics.PersonalitySwitches.WithLabelValues(p.ID).Inc()
	}
	e.log.Info("set personality", zap.String("user_id", userID), zap.String("personality", p.ID))
	return p, nil
}

func (e *Engine) Personalities() []personality.Personality { return e.users.Personalities() }

func (e *Engine) Exists(ctx context.Context, userID string) (bool, error) {
	return e.users.Exists(ctx, userID)
}

// Metadata returns the raw JSON stored under key; found is false when the
// key was never set.
func (e *Engine) Metadata(ctx context.Context, userID, key string) (json.RawMessage, bool, error) {
	return e.users.RawMetadata(ctx, userID, key)
}

func (e *Engine) SetMetadata(ctx context.Context, userID, key string, value any) error {
	return e.users.SetMetadata(ctx, userID, key, value)
}

func (e *Engine) storeErr(op string, err error) error {
	if e.metrics != nil {
		e.metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
	e.log.Error("storage failure", zap.String("op", op), zap.Error(err))
	return err
}

// track records request metrics for op once the returned func runs.
func (e *Engine) track(op string, errp *error) func() {
	if e.metrics == nil {
		return func() {}
	}
	e.metrics.RequestsInFlight.Inc()
	start := time.Now()
	return func() {
		e.metrics.RequestsInFlight.Dec()
		e.metrics.RecordRequest(op, *errp)
		e.log.Debug("request finished", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	}
}
