// Package app wires configuration into a ready chat engine. Both the
// Telegram bot and the memory MCP server start from here.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"persona-chatter/internal/chat"
	"persona-chatter/internal/composer"
	"persona-chatter/internal/config"
	"persona-chatter/internal/history"
	"persona-chatter/internal/llm"
	"persona-chatter/internal/metrics"
	"persona-chatter/internal/personality"
	"persona-chatter/internal/storage"
	"persona-chatter/internal/users"
)

type App struct {
	Config   *config.Config
	Store    storage.Store
	Registry *personality.Registry
	Metrics  *metrics.Metrics
	Engine   *chat.Engine
}

// Build opens storage, loads personalities and builds the generation chain.
// The caller owns the returned App and must Close it.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	registry, err := personality.Load(cfg.PersonalitiesFile)
	if err != nil {
		return nil, fmt.Errorf("load personalities: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Type:          cfg.StorageType,
		Path:          cfg.StoragePath,
		DSN:           cfg.DatabaseDSN,
		MaxMessages:   cfg.MaxContextLength,
		CorruptPolicy: storage.CorruptPolicy(cfg.CorruptDocumentPolicy),
	}, log.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	m := metrics.New()
	gen, err := llm.NewFactory(cfg).CreateChain(ctx, log, m.RecordGeneration)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create llm chain: %w", err), store.Close())
	}

	engine := chat.New(
		users.NewService(store, registry),
		history.NewLedger(store),
		composer.New(registry),
		gen,
		chat.Options{
			SharedContext: cfg.SharedContext,
			Params:        llm.Params{Temperature: cfg.LLMTemperature, MaxTokens: cfg.LLMMaxTokens},
			Metrics:       m,
			Logger:        log,
		},
	)

	log.Info("engine ready",
		zap.String("storage", cfg.StorageType),
		zap.String("provider", string(cfg.LLMProvider)),
		zap.Int("max_context", cfg.MaxContextLength),
		zap.Bool("shared_context", cfg.SharedContext),
		zap.Int("personalities", len(registry.List())),
	)

	return &App{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Metrics:  m,
		Engine:   engine,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
